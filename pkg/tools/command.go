package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CommandTool runs shell commands inside the sandbox working directory,
// restricted to an allowlist of base commands.
type CommandTool struct {
	allowed []string
	timeout time.Duration
}

// NewCommandTool creates a command tool. An empty allowlist permits any
// command; callers that want confinement must pass one.
func NewCommandTool(allowed []string, timeout time.Duration) *CommandTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandTool{allowed: allowed, timeout: timeout}
}

func (t *CommandTool) Definition() Definition {
	return Definition{
		Name:        "execute_command",
		Description: "Execute a shell command inside the working directory. Supports pipes and redirects.",
		Parameters: ObjectSchema(map[string]any{
			"command":     Prop("string", "Shell command to execute"),
			"working_dir": Prop("string", "Working directory relative to the sandbox root (optional)"),
		}, "command"),
		Scope: ScopeSandboxed,
	}
}

func (t *CommandTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return Fail("execute_command requires a sandbox"), nil
}

// ExecuteIn runs the command rooted in the sandbox.
func (t *CommandTool) ExecuteIn(ctx context.Context, sb *Sandbox, args map[string]any) (Result, error) {
	if !sb.Allowed(OpExecute) {
		return Violation("execute is not permitted in this sandbox"), nil
	}

	command := StringArg(args, "command")
	if command == "" {
		return Fail("command parameter is required"), nil
	}
	if err := t.validate(command); err != nil {
		return Fail("%v", err), nil
	}

	dir := sb.Root
	if wd := StringArg(args, "working_dir"); wd != "" {
		resolved, err := sb.Resolve(wd)
		if err != nil {
			return Violation("%v", err), nil
		}
		dir = resolved
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	start := time.Now()
	output, err := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return Fail("command timed out after %s", t.timeout), nil
	}
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			msg = err.Error()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Fail("command exited with code %d: %s", exitErr.ExitCode(), msg), nil
		}
		return Fail("command failed: %s", msg), nil
	}

	res := Text(string(output))
	res.Metadata = map[string]any{
		"command":  command,
		"duration": elapsed.String(),
	}
	return res, nil
}

// validate checks each segment of a piped or chained command against the
// allowlist.
func (t *CommandTool) validate(command string) error {
	if len(t.allowed) == 0 {
		return nil
	}
	segments := strings.FieldsFunc(command, func(r rune) bool {
		return r == '|' || r == ';' || r == '&'
	})
	for _, seg := range segments {
		fields := strings.Fields(strings.TrimSpace(seg))
		if len(fields) == 0 {
			continue
		}
		if !t.isAllowed(fields[0]) {
			return fmt.Errorf("command not allowed: %s (allowed: %v)", fields[0], t.allowed)
		}
	}
	return nil
}

func (t *CommandTool) isAllowed(base string) bool {
	for _, a := range t.allowed {
		if base == a {
			return true
		}
	}
	return false
}
