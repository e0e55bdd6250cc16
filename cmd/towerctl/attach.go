package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/tower/internal/wsbridge"
)

// attachCmd streams a terminal's output to stdout and stdin to its
// input, putting the local terminal in raw mode for the duration —
// grounded on the teacher's use of golang.org/x/term for raw-mode I/O
// (cmd/wt/egg.go).
func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach to a running terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd.Context(), args[0])
		},
	}
}

func runAttach(ctx context.Context, id string) error {
	c := clientFromConfig()
	wsURL := "ws" + c.baseURL[len("http"):] + "/ws/terminal/" + id

	header := http.Header{}
	if c.webKey != "" {
		header.Set("Authorization", "Bearer "+c.webKey)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("attach: dial %s: %w", wsURL, err)
	}
	defer conn.CloseNow()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	fd := int(os.Stdin.Fd())
	var restore *term.State
	if term.IsTerminal(fd) {
		restore, err = term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, restore)
		}
	}

	go pumpStdinToWS(ctx, conn)

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case wsbridge.TagData:
			os.Stdout.Write(msg[1:])
		case wsbridge.TagControl:
			// exit/seq/pong frames are not rendered in the raw terminal view.
		}
	}
}

func pumpStdinToWS(ctx context.Context, conn *websocket.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			frame := append([]byte{wsbridge.TagData}, buf[:n]...)
			if conn.Write(ctx, websocket.MessageBinary, frame) != nil {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				return
			}
			return
		}
	}
}
