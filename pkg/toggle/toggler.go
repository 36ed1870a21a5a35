package toggle

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

// Toggler switches the system egress path between direct and proxied. The
// concrete mechanism (browser proxy API, system settings, pf/iptables rules)
// lives behind this contract.
type Toggler interface {
	Enable(ctx context.Context, host string, port int) error
	Disable(ctx context.Context) error
}

// ExecToggler applies the toggle by running configured shell commands, with
// {host} and {port} substituted into the enable command.
type ExecToggler struct {
	EnableCmd  string
	DisableCmd string
}

func (t *ExecToggler) Enable(ctx context.Context, host string, port int) error {
	cmd := strings.ReplaceAll(t.EnableCmd, "{host}", host)
	cmd = strings.ReplaceAll(cmd, "{port}", strconv.Itoa(port))
	return run(ctx, cmd)
}

func (t *ExecToggler) Disable(ctx context.Context) error {
	return run(ctx, t.DisableCmd)
}

func run(ctx context.Context, command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("no toggle command configured")
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %v output=%s", command, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// NoopToggler accepts every toggle without side effects, for dry runs.
type NoopToggler struct{}

func (NoopToggler) Enable(_ context.Context, host string, port int) error {
	log.Printf("dry-run: enable proxy %s:%d", host, port)
	return nil
}

func (NoopToggler) Disable(context.Context) error {
	log.Printf("dry-run: disable proxy")
	return nil
}
