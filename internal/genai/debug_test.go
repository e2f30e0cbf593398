package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/openai/openai-go"
)

func debugEntries(t *testing.T, stateDir string) []map[string]interface{} {
	t.Helper()
	dir := filepath.Join(stateDir, "debug")
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read debug dir: %v", err)
	}
	var entries []map[string]interface{}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			t.Fatalf("read %s: %v", f.Name(), err)
		}
		var entry map[string]interface{}
		if err := json.Unmarshal(data, &entry); err != nil {
			t.Fatalf("decode %s: %v", f.Name(), err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestDebugDumpPerMethod(t *testing.T) {
	resp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Content: `{"category":"EXPLORATION"}`}},
	}}
	tests := []struct {
		method string
		call   func(c *Client) error
	}{
		{"GenerateJSON", func(c *Client) error {
			_, err := c.GenerateJSON(context.Background(), "clasifica", "me interesa el curso")
			return err
		}},
		{"GenerateWithMessages", func(c *Client) error {
			_, err := c.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage("DATOS VERIFICADOS: ninguno."),
				openai.UserMessage("¿cuánto cuesta?"),
			})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			dir := t.TempDir()
			c := &Client{chat: &mockChatService{resp: resp}, model: "gpt-test", debugMode: true, stateDir: dir}
			if err := tt.call(c); err != nil {
				t.Fatalf("%s: %v", tt.method, err)
			}
			entries := debugEntries(t, dir)
			if len(entries) != 1 {
				t.Fatalf("expected one dump, got %d", len(entries))
			}
			e := entries[0]
			if e["method"] != tt.method {
				t.Errorf("method = %v, want %s", e["method"], tt.method)
			}
			if e["model"] != "gpt-test" {
				t.Errorf("model = %v", e["model"])
			}
			if _, ok := e["error"]; ok {
				t.Errorf("unexpected error field: %v", e["error"])
			}
		})
	}
}

func TestDebugDumpRecordsFailure(t *testing.T) {
	dir := t.TempDir()
	c := &Client{chat: &mockChatService{err: errors.New("rate limited")}, model: "gpt-test", debugMode: true, stateDir: dir}
	if _, err := c.GenerateJSON(context.Background(), "sys", "usr"); err == nil {
		t.Fatal("expected error")
	}
	entries := debugEntries(t, dir)
	if len(entries) != 1 {
		t.Fatalf("expected one dump, got %d", len(entries))
	}
	if entries[0]["error"] != "rate limited" {
		t.Errorf("error = %v, want rate limited", entries[0]["error"])
	}
}

func TestNoDumpWithoutDebugMode(t *testing.T) {
	dir := t.TempDir()
	c := &Client{chat: &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{{}}}}, model: "gpt-test", stateDir: dir}
	if _, err := c.GenerateJSON(context.Background(), "sys", "usr"); err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "debug")); !os.IsNotExist(err) {
		t.Errorf("debug dir should not exist, stat err = %v", err)
	}
}
