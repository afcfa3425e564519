package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cuemby/burrow/pkg/log"
)

const (
	maxUserProcesses = 128
	maxOpenFiles     = 1024
)

// Isolator wraps execution argv in a bubblewrap jail. With
// DISABLE_BWRAP set, commands run directly and only the container
// boundary applies.
type Isolator struct {
	bwrapPath    string
	disabled     bool
	allowNetwork bool
	workspace    string
}

// NewIsolator probes for bwrap. Isolation being requested but
// unavailable is a hard error: running untrusted code without the jail
// must be an explicit choice.
func NewIsolator(disabled, allowNetwork bool, workspace string) (*Isolator, error) {
	iso := &Isolator{disabled: disabled, allowNetwork: allowNetwork, workspace: workspace}
	if disabled {
		logger := log.WithComponent("executor")
		logger.Warn().Msg("bwrap isolation disabled, relying on container boundary only")
		return iso, nil
	}
	path, err := exec.LookPath("bwrap")
	if err != nil {
		return nil, fmt.Errorf("bwrap not found but isolation is enabled: %w", err)
	}
	iso.bwrapPath = path
	return iso, nil
}

// Command builds the exec.Cmd for one execution, jailed when enabled.
// Resource limits are applied with ulimit inside the jail shell so they
// bind the user code, not the runner.
func (iso *Isolator) Command(ctx context.Context, argv []string) *exec.Cmd {
	inner := fmt.Sprintf("ulimit -u %d -n %d; exec %s",
		maxUserProcesses, maxOpenFiles, shellJoin(argv))

	if iso.disabled {
		cmd := exec.CommandContext(ctx, "sh", "-c", inner)
		cmd.Dir = iso.workspace
		return cmd
	}

	args := []string{
		"--ro-bind", "/usr", "/usr",
		"--ro-bind-try", "/lib", "/lib",
		"--ro-bind-try", "/lib64", "/lib64",
		"--ro-bind-try", "/bin", "/bin",
		"--ro-bind-try", "/sbin", "/sbin",
		"--ro-bind-try", "/etc/resolv.conf", "/etc/resolv.conf",
		"--bind", iso.workspace, "/workspace",
		"--chdir", "/workspace",
		"--tmpfs", "/tmp",
		"--proc", "/proc",
		"--dev", "/dev",
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--die-with-parent",
		"--cap-drop", "ALL",
	}
	if !iso.allowNetwork {
		args = append(args, "--unshare-net")
	}
	args = append(args, "sh", "-c", inner)

	cmd := exec.CommandContext(ctx, iso.bwrapPath, args...)
	return cmd
}

// Enabled reports whether the jail is active.
func (iso *Isolator) Enabled() bool { return !iso.disabled }

// shellJoin quotes argv for sh -c.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// hostname is the container id as seen from inside.
func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
