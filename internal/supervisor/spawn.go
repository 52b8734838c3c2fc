package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ligun0805/strike-cluster/internal/ipc"
)

type WorkerSpec struct {
	ID       string
	Role     Role
	Index    int
	Restarts int
}

// Args renders the hidden worker subcommand line for spec.
func (s WorkerSpec) Args() []string {
	return []string{
		"worker",
		"--id", s.ID,
		"--role", string(s.Role),
		"--index", strconv.Itoa(s.Index),
		"--restarts", strconv.Itoa(s.Restarts),
	}
}

// Process is one running worker.
type Process interface {
	Conn() *ipc.Conn
	Pid() int
	// Wait blocks until the process exits. Call it only after Conn has
	// reported end of stream.
	Wait() error
	Kill(grace time.Duration)
}

type Spawner interface {
	Spawn(ctx context.Context, spec WorkerSpec) (Process, error)
}

// ExecSpawner re-executes a binary in worker mode, speaking IPC over the
// child's stdin and stdout. The child's stderr is its log stream.
type ExecSpawner struct {
	Command string
	Args    []string // placed before the worker subcommand
	Env     []string // nil inherits the supervisor environment
	Dir     string
	Stderr  io.Writer
}

func (s ExecSpawner) Spawn(_ context.Context, spec WorkerSpec) (Process, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, fmt.Errorf("worker command is required")
	}
	args := append(append([]string{}, s.Args...), spec.Args()...)
	cmd := exec.Command(s.Command, args...)
	cmd.Env = s.Env
	cmd.Dir = s.Dir
	cmd.Stderr = s.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s stdin: %w", spec.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %s stdout: %w", spec.ID, err)
	}
	configureWorkerProcess(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", spec.ID, err)
	}
	return &execProcess{cmd: cmd, conn: ipc.NewConn(stdout, stdin)}, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	conn *ipc.Conn
}

func (p *execProcess) Conn() *ipc.Conn { return p.conn }
func (p *execProcess) Pid() int        { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error     { return p.cmd.Wait() }

func (p *execProcess) Kill(grace time.Duration) {
	terminateWorkerProcess(p.cmd, grace)
}
