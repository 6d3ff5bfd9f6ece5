package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/felixgeelhaar/sentinel/internal/log"
)

func eventTypes(config *HookConfig) []EventType {
	if len(config.Events) == 0 {
		return AllEventTypes()
	}
	return config.Events
}

// LogHook writes each event to the structured logger.
type LogHook struct {
	name       string
	eventTypes []EventType
	level      string
	logger     *log.Logger
}

// NewLogHook creates a log hook. config.Config["level"] selects the level
// (debug, info, warn); info by default.
func NewLogHook(config *HookConfig, logger *log.Logger) (Hook, error) {
	level := stringConfig(config, "level", "info")
	switch level {
	case "debug", "info", "warn":
	default:
		return nil, fmt.Errorf("log hook %s: unsupported level %q", config.Name, level)
	}
	return &LogHook{
		name:       config.Name,
		eventTypes: eventTypes(config),
		level:      level,
		logger:     log.OrDefault(logger),
	}, nil
}

func (h *LogHook) Name() string            { return h.name }
func (h *LogHook) EventTypes() []EventType { return h.eventTypes }

func (h *LogHook) Execute(ctx context.Context, event Event) error {
	args := []any{"event", string(event.Type), "session_id", event.SessionID}
	if event.StepID != "" {
		args = append(args, "step_id", event.StepID)
	}
	for k, v := range event.Data {
		args = append(args, k, v)
	}
	switch h.level {
	case "debug":
		h.logger.DebugContext(ctx, "progress", args...)
	case "warn":
		h.logger.WarnContext(ctx, "progress", args...)
	default:
		h.logger.InfoContext(ctx, "progress", args...)
	}
	return nil
}

// ScriptHook runs a script with the event exposed as HOOK_* environment
// variables and the JSON event on stdin.
type ScriptHook struct {
	name       string
	eventTypes []EventType
	scriptPath string
	args       []string
	shell      string
}

// NewScriptHook creates a new script hook
func NewScriptHook(config *HookConfig) (Hook, error) {
	scriptPath := stringConfig(config, "script", "")
	if scriptPath == "" {
		return nil, fmt.Errorf("script path required")
	}

	hook := &ScriptHook{
		name:       config.Name,
		eventTypes: eventTypes(config),
		scriptPath: scriptPath,
		shell:      stringConfig(config, "shell", "/bin/sh"),
	}
	if list, ok := config.Config["args"].([]any); ok {
		for _, a := range list {
			if s, ok := a.(string); ok {
				hook.args = append(hook.args, s)
			}
		}
	}
	return hook, nil
}

func (h *ScriptHook) Name() string            { return h.name }
func (h *ScriptHook) EventTypes() []EventType { return h.eventTypes }

func (h *ScriptHook) Execute(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	env := append(os.Environ(),
		"HOOK_EVENT_TYPE="+string(event.Type),
		"HOOK_SESSION_ID="+event.SessionID,
		"HOOK_PLAN_ID="+event.PlanID,
		"HOOK_STEP_ID="+event.StepID,
	)
	for key, value := range event.Data {
		if s, ok := value.(string); ok {
			env = append(env, fmt.Sprintf("HOOK_%s=%s", strings.ToUpper(key), s))
		}
	}

	cmd := exec.CommandContext(ctx, h.shell, append([]string{h.scriptPath}, h.args...)...)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("script failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// WebhookHook POSTs the JSON event to a URL.
type WebhookHook struct {
	name       string
	eventTypes []EventType
	url        string
	headers    map[string]string
	client     *http.Client
}

// NewWebhookHook creates a new webhook hook
func NewWebhookHook(config *HookConfig) (Hook, error) {
	url := stringConfig(config, "url", "")
	if url == "" {
		return nil, fmt.Errorf("webhook URL required")
	}

	hook := &WebhookHook{
		name:       config.Name,
		eventTypes: eventTypes(config),
		url:        url,
		headers:    make(map[string]string),
		client:     &http.Client{},
	}
	if headers, ok := config.Config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				hook.headers[k] = s
			}
		}
	}
	return hook, nil
}

func (h *WebhookHook) Name() string            { return h.name }
func (h *WebhookHook) EventTypes() []EventType { return h.eventTypes }

func (h *WebhookHook) Execute(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func stringConfig(config *HookConfig, key, fallback string) string {
	if s, ok := config.Config[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
