package flow

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// LoadSystemPrompt reads the sales drafting prompt from path. An empty path
// returns the built-in prompt.
func LoadSystemPrompt(path string) (string, error) {
	if path == "" {
		return defaultSalesPrompt, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		slog.Error("LoadSystemPrompt: failed to read system prompt file", "file", path, "error", err)
		return "", fmt.Errorf("read system prompt file: %w", err)
	}
	prompt := strings.TrimSpace(string(content))
	if prompt == "" {
		return "", fmt.Errorf("system prompt file %s is empty", path)
	}
	slog.Info("LoadSystemPrompt: system prompt loaded", "file", path, "length", len(prompt))
	return prompt, nil
}
