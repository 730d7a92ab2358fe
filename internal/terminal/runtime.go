package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/ashureev/homie-gateway/internal/container"
	"github.com/creack/pty"
)

// SessionRuntime is the backing process for one terminal session: either a
// native OS pseudo-terminal (NativeRuntime) or a Docker exec session
// attached to a running container (ContainerRuntime). Both satisfy the
// same small surface so the registry's reader/writer/reaper logic never
// needs to know which backend it is driving (spec.md §4.3).
type SessionRuntime interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	// ExitCode is called exactly once by the reader loop after Read has
	// already returned an error (the process or connection is known to be
	// gone), and reports the exit code observed.
	ExitCode() (int, error)
}

// NativeRuntime spawns a shell directly on the host via a real PTY,
// grounded on the creack/pty StartWithSize/Setsize idiom.
type NativeRuntime struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// StartNative resolves shell into an executable + args, spawns it attached
// to a fresh PTY at (cols, rows), and sets the terminal environment
// variables the teacher's reader task expects downstream tools to see
// (spec.md §4.3 step 2).
func StartNative(shell string, cols, rows uint16) (*NativeRuntime, error) {
	name, args := resolveShell(shell)
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), terminalEnv()...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &NativeRuntime{cmd: cmd, ptmx: ptmx}, nil
}

func terminalEnv() []string {
	if runtime.GOOS == "windows" {
		return nil
	}
	return []string{"TERM=xterm-256color", "COLORTERM=truecolor"}
}

// resolveShell turns a shell string into an executable and argument list,
// special-casing cmd.exe on Windows (spec.md §4.3 step 1).
func resolveShell(shell string) (string, []string) {
	if shell == "" {
		if runtime.GOOS == "windows" {
			shell = "cmd.exe"
		} else {
			shell = "/bin/sh"
		}
	}
	if runtime.GOOS == "windows" && strings.EqualFold(filepathBase(shell), "cmd.exe") {
		return shell, []string{"/d"}
	}
	return shell, nil
}

func filepathBase(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func (n *NativeRuntime) Read(p []byte) (int, error)  { return n.ptmx.Read(p) }
func (n *NativeRuntime) Write(p []byte) (int, error) { return n.ptmx.Write(p) }

func (n *NativeRuntime) Resize(cols, rows uint16) error {
	return pty.Setsize(n.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (n *NativeRuntime) Close() error {
	n.ptmx.Close()
	return n.cmd.Process.Kill()
}

func (n *NativeRuntime) ExitCode() (int, error) {
	err := n.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// ContainerRuntime attaches a terminal session to a Docker exec session in
// an already-running container, adapted from the teacher's
// container.Manager.CreateExecSession/ResizeExecSession pair.
type ContainerRuntime struct {
	mgr         container.Manager
	containerID string
	execID      string
	conn        io.ReadWriteCloser
}

// StartContainer creates an exec session in containerID and returns a
// runtime wrapping its attached connection.
func StartContainer(ctx context.Context, mgr container.Manager, containerID string) (*ContainerRuntime, error) {
	execID, conn, err := mgr.CreateExecSession(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("create container exec session: %w", err)
	}
	return &ContainerRuntime{mgr: mgr, containerID: containerID, execID: execID, conn: conn}, nil
}

func (c *ContainerRuntime) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *ContainerRuntime) Write(p []byte) (int, error) { return c.conn.Write(p) }
func (c *ContainerRuntime) Close() error                { return c.conn.Close() }

func (c *ContainerRuntime) Resize(cols, rows uint16) error {
	return c.mgr.ResizeExecSession(context.Background(), c.execID, uint(cols), uint(rows))
}

// ExitCode has no Docker exec-session equivalent of a child process exit
// status; the exec session is already known gone by the time the reader
// loop calls this, so it reports code 0 unconditionally.
func (c *ContainerRuntime) ExitCode() (int, error) {
	return 0, nil
}
