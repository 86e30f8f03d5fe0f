package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCommandTool(t *testing.T) {
	ctx := context.Background()

	t.Run("posts cmd and decodes response", func(t *testing.T) {
		var received map[string]string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("expected POST, got %s", r.Method)
			}
			if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
				t.Errorf("bad request body: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"stdout": "/workdir\n", "stderr": "", "exit_code": 0,
			})
		}))
		defer server.Close()

		tool := NewCommandTool(server.URL, server.Client())
		out, err := tool.Call(ctx, map[string]any{"cmd": "pwd"})
		if err != nil {
			t.Fatalf("Call failed: %v", err)
		}
		if received["cmd"] != "pwd" {
			t.Errorf("server received %v", received)
		}
		if out["stdout"] != "/workdir\n" {
			t.Errorf("unexpected stdout: %v", out["stdout"])
		}
	})

	t.Run("missing cmd rejected", func(t *testing.T) {
		tool := NewCommandTool("http://unused", nil)
		if _, err := tool.Call(ctx, nil); err == nil {
			t.Fatal("expected error for missing cmd")
		}
	})

	t.Run("non-200 status surfaces as error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "command not allowed", http.StatusForbidden)
		}))
		defer server.Close()

		tool := NewCommandTool(server.URL, server.Client())
		if _, err := tool.Call(ctx, map[string]any{"cmd": "rm -rf /"}); err == nil {
			t.Fatal("expected error for forbidden command")
		}
	})
}
