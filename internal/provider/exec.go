package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// ExecInvoker runs provider actions through the executable named in the
// provider's manifest. The action and parameters go to the command as JSON
// on stdin; stdout is the call result. The broker has already cleared every
// gate before an ExecInvoker runs.
type ExecInvoker struct {
	registry *Registry
	logger   *slog.Logger
	timeout  time.Duration
}

func NewExecInvoker(registry *Registry, logger *slog.Logger, timeout time.Duration) *ExecInvoker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ExecInvoker{registry: registry, logger: logger, timeout: timeout}
}

type execInput struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func (e *ExecInvoker) Invoke(ctx context.Context, providerName, action string, params map[string]any) (string, error) {
	command, ok := e.registry.CommandFor(providerName)
	if !ok {
		return "", fmt.Errorf("provider %s has no command configured", providerName)
	}
	input, err := json.Marshal(execInput{Action: action, Params: params})
	if err != nil {
		return "", fmt.Errorf("marshal invoke input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		e.logger.Error("provider command failed",
			"provider", providerName, "action", action,
			"error", err, "stderr", strings.TrimSpace(stderr.String()))
		return "", fmt.Errorf("%s.%s: %w: %s", providerName, action, err, strings.TrimSpace(stderr.String()))
	}
	e.logger.Debug("provider command completed",
		"provider", providerName, "action", action, "duration", time.Since(start))
	return strings.TrimSpace(stdout.String()), nil
}
