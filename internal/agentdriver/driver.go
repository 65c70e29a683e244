// Package agentdriver adapts an external command-line LLM coding agent into
// a small synchronous interface. The agent itself is an opaque subprocess:
// it accepts a system context plus follow-up prompts and returns free-form
// text, a session identifier and token counts (spec.md §4.5). This mirrors
// the method shape of the teacher's agentkit llm.Provider (StartSession /
// Continue / History) without importing that module, since the real agent
// here is a subprocess rather than a Go LLM client.
package agentdriver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/orchestrator/coderunner/internal/orchlog"
)

// Role is one of the three conversations the engine drives.
type Role string

const (
	RoleWorker     Role = "worker"
	RoleSupervisor Role = "supervisor"
	RolePlanner    Role = "planner"
)

// Message is one turn of a conversation's transcript.
type Message struct {
	Role    string
	Content string
}

// RetryTuning carries per-role retry parameters. The driver itself does
// not retry, and nothing in this module reads these values.
type RetryTuning struct {
	MaxRetries int
	Timeout    time.Duration
}

// ModelSpec names a primary model and a fallback for one role.
type ModelSpec struct {
	Primary  string
	Fallback string
}

// Config configures how the driver launches the external agent subprocess.
type Config struct {
	// Command is the external agent binary, e.g. "claude", "aider".
	Command string
	// ExtraArgs are appended to every invocation.
	ExtraArgs []string
	// Workdir is the working directory passed through to the subprocess.
	Workdir string
	// Models maps roles to model specs; the driver passes the primary
	// model until UseFallback switches it to the role's Fallback.
	Models map[Role]ModelSpec
	// Retry carries per-role tuning; it is stored but not read by the
	// driver or by internal/recovery.
	Retry map[Role]RetryTuning
	// Timeout bounds a single subprocess invocation.
	Timeout time.Duration
}

// Driver drives one conversation with the external agent. Each Driver owns
// exactly one session; parallel execution uses one Driver per worker
// (spec.md §5 "workers do not share LLM session identifiers").
type Driver struct {
	cfg     Config
	role    Role
	model   string
	mu      sync.Mutex
	session string
	history []Message
	active  bool
}

// New creates a Driver bound to role using the role's primary model.
func New(cfg Config, role Role) *Driver {
	model := ""
	if spec, ok := cfg.Models[role]; ok {
		model = spec.Primary
	}
	return &Driver{cfg: cfg, role: role, model: model}
}

// UseFallback switches the driver to its role's fallback model for
// subsequent calls. It is a no-op when the role has no fallback; no code
// in this module calls it.
func (d *Driver) UseFallback() {
	if spec, ok := d.cfg.Models[d.role]; ok && spec.Fallback != "" {
		d.mu.Lock()
		d.model = spec.Fallback
		d.mu.Unlock()
	}
}

// HasActiveSession reports whether StartSession has been called without a
// subsequent Reset.
func (d *Driver) HasActiveSession() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Reset drops the session identifier and history, forcing the next call to
// start a fresh agent conversation.
func (d *Driver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = ""
	d.history = nil
	d.active = false
}

// History returns a copy of the conversation transcript so far.
func (d *Driver) History() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, len(d.history))
	copy(out, d.history)
	return out
}

// Result is what one agent turn returns.
type Result struct {
	Response  string
	SessionID string
	TokensIn  int
	TokensOut int
}

// StartSession opens a new agent conversation with the given system context
// and first prompt.
func (d *Driver) StartSession(ctx context.Context, systemContext, firstPrompt string) (Result, error) {
	d.mu.Lock()
	d.active = true
	d.history = append(d.history, Message{Role: "system", Content: systemContext}, Message{Role: "user", Content: firstPrompt})
	d.mu.Unlock()
	return d.invoke(ctx, systemContext, firstPrompt, true)
}

// Continue sends a follow-up prompt on the existing session.
func (d *Driver) Continue(ctx context.Context, prompt string) (Result, error) {
	if !d.HasActiveSession() {
		return Result{}, fmt.Errorf("agentdriver: Continue called without an active session")
	}
	d.mu.Lock()
	d.history = append(d.history, Message{Role: "user", Content: prompt})
	d.mu.Unlock()
	return d.invoke(ctx, "", prompt, false)
}

// invoke runs the external agent subprocess once and parses its reply.
// The wire format with the subprocess is intentionally minimal: stdin
// carries the prompt (system context prefixed on the first call), stdout
// carries the free-form response followed by a trailer line the agent CLI
// is expected to emit: "###SESSION id=<id> in=<n> out=<n>".
func (d *Driver) invoke(ctx context.Context, systemContext, prompt string, first bool) (Result, error) {
	logger := orchlog.New().WithComponent("agentdriver")
	timeout := d.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, d.cfg.ExtraArgs...)
	if d.model != "" {
		args = append(args, "--model", d.model)
	}
	d.mu.Lock()
	sessionID := d.session
	d.mu.Unlock()
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}

	cmd := exec.CommandContext(runCtx, d.cfg.Command, args...)
	cmd.Dir = d.cfg.Workdir

	var stdin bytes.Buffer
	if first && systemContext != "" {
		stdin.WriteString(systemContext)
		stdin.WriteString("\n\n")
	}
	stdin.WriteString(prompt)
	cmd.Stdin = &stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	logger.Debug("agent turn", map[string]interface{}{
		"role":     string(d.role),
		"duration": time.Since(start).String(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("agentdriver: subprocess failed: %w: %s", err, stderr.String())
	}

	response, newSession, in, out := parseTrailer(stdout.String())
	if newSession != "" {
		d.mu.Lock()
		d.session = newSession
		d.mu.Unlock()
	}
	d.mu.Lock()
	d.history = append(d.history, Message{Role: "assistant", Content: response})
	d.mu.Unlock()

	return Result{Response: response, SessionID: newSession, TokensIn: in, TokensOut: out}, nil
}

const trailerPrefix = "###SESSION"

func parseTrailer(raw string) (response, sessionID string, tokensIn, tokensOut int) {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var body strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, trailerPrefix) {
			for _, field := range strings.Fields(strings.TrimPrefix(line, trailerPrefix)) {
				kv := strings.SplitN(field, "=", 2)
				if len(kv) != 2 {
					continue
				}
				switch kv[0] {
				case "id":
					sessionID = kv[1]
				case "in":
					fmt.Sscanf(kv[1], "%d", &tokensIn)
				case "out":
					fmt.Sscanf(kv[1], "%d", &tokensOut)
				}
			}
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	return strings.TrimRight(body.String(), "\n"), sessionID, tokensIn, tokensOut
}

// Factory builds role-scoped Drivers sharing the same subprocess Config,
// per spec.md §4.5 "Role factories: worker, supervisor, planner".
type Factory struct {
	cfg Config
}

// NewFactory creates a Factory for the given subprocess configuration.
func NewFactory(cfg Config) *Factory { return &Factory{cfg: cfg} }

// Worker creates a new worker-role driver (used by parallel step execution;
// call once per concurrent worker so sessions never overlap).
func (f *Factory) Worker() *Driver { return New(f.cfg, RoleWorker) }

// Supervisor creates the single supervisor-role driver for a run.
func (f *Factory) Supervisor() *Driver { return New(f.cfg, RoleSupervisor) }

// Planner creates the single planner-role driver for a run.
func (f *Factory) Planner() *Driver { return New(f.cfg, RolePlanner) }
