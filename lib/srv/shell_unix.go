package srv

import (
	"os"
	"os/exec"

	"github.com/creack/pty"
	"github.com/gravitational/trace"
)

// realShell wraps a pty-backed *os.File as a ShellProcess, the
// production ShellSpawner implementation. Grounded on
// other_examples' codex-interactive-driver, which starts an
// interactive command the same way: pty.Start(cmd).
type realShell struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// SpawnShell is the default ShellSpawner: it starts an interactive
// login shell with HOME and the working directory set to homeDir, the
// Path-Sandbox-validated canonical root (spec §4.6 "Spawn shell with
// HOME set to the validated directory").
func SpawnShell(homeDir string, cols, rows uint16) (ShellProcess, error) {
	cmd := exec.Command("/bin/bash", "-l")
	cmd.Dir = homeDir
	cmd.Env = append(os.Environ(), "HOME="+homeDir)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &realShell{cmd: cmd, ptmx: ptmx}, nil
}

func (s *realShell) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *realShell) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *realShell) Resize(cols, rows uint16) error {
	return trace.Wrap(pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}))
}

func (s *realShell) Close() error {
	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}
