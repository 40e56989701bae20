package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Per-command deadlines. Spawn is allowed longer since it may involve
// first-time agent authentication.
const (
	DefaultSpawnTimeout   = 180 * time.Second
	DefaultCommandTimeout = 60 * time.Second
)

// response is the wire shape returned by the session manager. Extra fields
// are tolerated and ignored.
type response struct {
	Success    bool       `json:"success"`
	Error      string     `json:"error,omitempty"`
	InstanceID string     `json:"instanceId,omitempty"`
	Output     string     `json:"output,omitempty"`
	Instances  []Instance `json:"instances,omitempty"`
}

// Client invokes the session manager as a subprocess: one invocation per
// command, taking the command name and a JSON parameter object as arguments
// and replying with a JSON object on stdout. The bridge process is stateless
// and safe to invoke concurrently.
type Client struct {
	argv           []string
	spawnTimeout   time.Duration
	commandTimeout time.Duration
	logger         *slog.Logger
}

// NewClient creates a subprocess bridge client. The command argv is explicit
// configuration; no filesystem locations are probed.
func NewClient(argv []string, logger *slog.Logger) (*Client, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, fmt.Errorf("bridge command is required")
	}

	return &Client{
		argv:           argv,
		spawnTimeout:   DefaultSpawnTimeout,
		commandTimeout: DefaultCommandTimeout,
		logger:         logger.With("module", "bridge"),
	}, nil
}

func (c *Client) Spawn(ctx context.Context, params SpawnParams) (*Instance, error) {
	resp, err := c.call(ctx, CommandSpawn, params)
	if err != nil {
		return nil, err
	}

	if resp.InstanceID == "" {
		return nil, NewError(CommandSpawn, "response missing instanceId", nil)
	}

	return &Instance{ID: resp.InstanceID, Role: params.Role, Workspace: params.Workspace}, nil
}

func (c *Client) Send(ctx context.Context, instanceID, text string) error {
	_, err := c.call(ctx, CommandSend, map[string]any{
		"instanceId": instanceID,
		"text":       text,
	})

	return err
}

func (c *Client) Read(ctx context.Context, instanceID string, lines int) (string, error) {
	resp, err := c.call(ctx, CommandRead, map[string]any{
		"instanceId": instanceID,
		"lines":      lines,
	})
	if err != nil {
		return "", err
	}

	return resp.Output, nil
}

func (c *Client) List(ctx context.Context) ([]Instance, error) {
	resp, err := c.call(ctx, CommandList, map[string]any{})
	if err != nil {
		return nil, err
	}

	return resp.Instances, nil
}

func (c *Client) Terminate(ctx context.Context, instanceID string) error {
	_, err := c.call(ctx, CommandTerminate, map[string]any{
		"instanceId": instanceID,
	})

	return err
}

func (c *Client) call(ctx context.Context, command Command, params any) (*response, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, NewError(command, "failed to encode parameters", err)
	}

	timeout := c.commandTimeout
	if command == CommandSpawn {
		timeout = c.spawnTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := make([]string, 0, len(c.argv)+1)
	args = append(args, c.argv[1:]...)
	args = append(args, string(command), string(payload))

	c.logger.DebugContext(callCtx, "Invoking bridge", "command", string(command))

	cmd := exec.CommandContext(callCtx, c.argv[0], args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		// A failed invocation may still carry a JSON error reply.
		if resp, ok := extractResponse(output); ok {
			return nil, NewError(command, resp.Error, err)
		}

		return nil, NewError(command, strings.TrimSpace(string(output)), err)
	}

	resp, ok := extractResponse(output)
	if !ok {
		return nil, NewError(command, "no parseable JSON in response", nil)
	}

	if !resp.Success {
		return nil, NewError(command, resp.Error, nil)
	}

	return resp, nil
}

// extractResponse recovers the JSON payload from output that may interleave
// diagnostic text, scanning from the end for the last parseable JSON line.
func extractResponse(output []byte) (*response, bool) {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var resp response
		if err := json.Unmarshal([]byte(line), &resp); err == nil {
			return &resp, true
		}
	}

	return nil, false
}
