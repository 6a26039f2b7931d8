package srv

import (
	"bufio"
	"os/exec"
	"time"

	"github.com/gravitational/trace"
)

// execChild wraps *exec.Cmd as a ChildProcess, the production
// ProcessSpawner implementation for a coding-agent subprocess.
type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) Wait() error { return c.cmd.Wait() }

func (c *execChild) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return trace.Wrap(c.cmd.Process.Kill())
}

func (c *execChild) ExitCode() int {
	if c.cmd.ProcessState == nil {
		return -1
	}
	return c.cmd.ProcessState.ExitCode()
}

// SpawnProcess is the default ProcessSpawner: it runs command with its
// working directory set to the Path-Sandbox-validated workspaceDir,
// and streams each line of combined stdout/stderr as a Message.
func SpawnProcess(workspaceDir string, command []string) (ChildProcess, <-chan Message, error) {
	if len(command) == 0 {
		return nil, nil, trace.BadParameter("command is required")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = workspaceDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, nil, trace.Wrap(err)
	}

	messages := make(chan Message)
	go func() {
		defer close(messages)
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			messages <- Message{Data: append([]byte(nil), scanner.Bytes()...), At: time.Now()}
		}
	}()

	return &execChild{cmd: cmd}, messages, nil
}
