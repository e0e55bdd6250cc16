package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ehrlich-b/tower/internal/address"
	"github.com/ehrlich-b/tower/internal/registry"
	"github.com/ehrlich-b/tower/internal/sessionmgr"
	"github.com/ehrlich-b/tower/internal/store"
	"github.com/ehrlich-b/tower/internal/wsbridge"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "tower.db")
	st, err := store.Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestServer(t *testing.T, webKey string) *Server {
	t.Helper()
	st := openTestStore(t)
	reg := registry.New(st)
	mgr := sessionmgr.New(st, t.TempDir(), nil)
	bus := wsbridge.NewMessageBus(nil)
	resolver := address.New(reg)
	dispatcher := address.NewDispatcher(resolver, reg, bus, 100*time.Millisecond, nil)

	return New(Deps{
		Store: st, Registry: reg, Resolver: resolver, Dispatcher: dispatcher,
		SessionMgr: mgr, Bus: bus, RingBufferCapacity: 1000, WebKey: webKey,
	})
}

func b64(path string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(path))
}

func doJSON(t *testing.T, s *Server, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthRequiresNoAuthWhenWebKeyUnset(t *testing.T) {
	s := newTestServer(t, "")
	rec := doJSON(t, s, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthGateRejectsMissingBearerWhenWebKeySet(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doJSON(t, s, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAuthGateAcceptsCorrectBearer(t *testing.T) {
	s := newTestServer(t, "secret")
	rec := doJSON(t, s, http.MethodGet, "/health", nil, "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestActivateThenListWorkspaces(t *testing.T) {
	s := newTestServer(t, "")
	ws := t.TempDir()

	rec := doJSON(t, s, http.MethodPost, "/api/workspaces/"+b64(ws)+"/activate", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodGet, "/api/workspaces", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var listed struct {
		Workspaces []workspaceView `json:"workspaces"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(listed.Workspaces) != 1 || !listed.Workspaces[0].Active {
		t.Fatalf("workspaces = %+v, want one active entry", listed.Workspaces)
	}
}

func TestActivateRateLimitReturns429AfterBurst(t *testing.T) {
	s := newTestServer(t, "")
	ws := t.TempDir()
	path := "/api/workspaces/" + b64(ws) + "/activate"

	var last *httptest.ResponseRecorder
	for i := 0; i < activateBurst+2; i++ {
		last = doJSON(t, s, http.MethodPost, path, nil, "")
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d, want 429", last.Code)
	}
}

func TestCreateTerminalRequiresCommandAndWorkspace(t *testing.T) {
	s := newTestServer(t, "")
	rec := doJSON(t, s, http.MethodPost, "/api/terminals", map[string]any{}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateTerminalThenDelete(t *testing.T) {
	s := newTestServer(t, "")
	ws := t.TempDir()

	rec := doJSON(t, s, http.MethodPost, "/api/terminals", map[string]any{
		"command":       "/bin/cat",
		"workspacePath": ws,
		"type":          "shell",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var view terminalView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.ID == "" {
		t.Fatal("expected a non-empty terminal id")
	}

	rec = doJSON(t, s, http.MethodDelete, "/api/terminals/"+view.ID, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}

	rec = doJSON(t, s, http.MethodGet, "/api/terminals/"+view.ID, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete status = %d, want 404", rec.Code)
	}
}

func TestSendToUnknownAddressReturnsNotFound(t *testing.T) {
	s := newTestServer(t, "")
	rec := doJSON(t, s, http.MethodPost, "/api/send", map[string]any{
		"to": "nope:architect", "message": "hi",
	}, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d body=%s, want 404", rec.Code, rec.Body.String())
	}
}

func TestSendWithoutContextReturnsBadRequest(t *testing.T) {
	s := newTestServer(t, "")
	rec := doJSON(t, s, http.MethodPost, "/api/send", map[string]any{
		"to": "architect", "message": "hi",
	}, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (NO_CONTEXT)", rec.Code)
	}
}

// TestAttachEchoesWrittenInput exercises the full create-then-attach
// flow over a real WebSocket (spec.md §8 scenario 1): create a shell
// terminal running `cat`, attach, write a line, and expect the same
// bytes echoed back as a data frame.
func TestAttachEchoesWrittenInput(t *testing.T) {
	s := newTestServer(t, "")
	httpSrv := httptest.NewServer(s)
	defer httpSrv.Close()

	ws := t.TempDir()
	rec := doJSON(t, s, http.MethodPost, "/api/terminals", map[string]any{
		"command":       "/bin/cat",
		"workspacePath": ws,
		"type":          "shell",
	}, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", rec.Code, rec.Body.String())
	}
	var view terminalView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/terminal/" + view.ID
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	frame := append([]byte{wsbridge.TagData}, []byte("echo-me\n")...)
	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(msg) > 0 && msg[0] == wsbridge.TagData && strings.Contains(string(msg[1:]), "echo-me") {
			return
		}
	}
	t.Fatal("did not see echoed input before deadline")
}
