package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ehrlich-b/tower/internal/config"
)

// client is a minimal HTTP client against towerd's API, grounded on the
// teacher's cmd/wt transport.Client usage pattern (clientFromConfig()).
type client struct {
	baseURL string
	webKey  string
	http    *http.Client
}

func clientFromConfig() *client {
	userDir, err := config.UserDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "towerctl: resolve user dir: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(userDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "towerctl: load config: %v\n", err)
		os.Exit(1)
	}
	return &client{
		baseURL: "http://127.0.0.1:" + strconv.Itoa(cfg.Port),
		webKey:  os.Getenv("WEB_KEY"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if c.webKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.webKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("towerd not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("towerd returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
