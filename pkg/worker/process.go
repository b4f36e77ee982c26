package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// Process is one running worker as seen by the client
type Process interface {
	// Request is the write end of the payload pipe
	Request() io.WriteCloser
	// Response is the read end of the result pipe, it reaches EOF when the worker is gone
	Response() io.ReadCloser
	// Wait blocks until the worker exits and returns its exit code,
	// -1 when it was terminated by a signal
	Wait() (int, error)
	// Kill terminates the worker immediately
	Kill() error
	Pid() int
}

// Spawner creates a fresh worker for every task
type Spawner interface {
	Spawn(ctx context.Context) (Process, error)
}

// processSpawner starts the worker entry point as a child process.
// By default it is this binary again, with the hidden "worker" command.
type processSpawner struct {
	command   []string
	isolation bool
}

// NewProcessSpawner returns a Spawner that runs command for every task.
// The payload pipe is the child's fd 3 and the result pipe its fd 4.
// With isolation the child gets its own uts, pid and ipc namespaces (linux only).
func NewProcessSpawner(command []string, isolation bool) (Spawner, error) {
	if len(command) == 0 {
		return nil, errors.New("empty worker command")
	}
	return &processSpawner{command: command, isolation: isolation}, nil
}

// SelfCommand is the worker command of this binary
func SelfCommand(args ...string) []string {
	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}
	return append([]string{self, "worker"}, args...)
}

type execProcess struct {
	cmd      *exec.Cmd
	request  *os.File
	response *os.File
}

func (s *processSpawner) Spawn(ctx context.Context) (Process, error) {
	requestRead, requestWrite, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	responseRead, responseWrite, err := os.Pipe()
	if err != nil {
		requestRead.Close()
		requestWrite.Close()
		return nil, err
	}
	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.ExtraFiles = []*os.File{requestRead, responseWrite}
	// stdout of a worker is not a channel to us, keep everything on stderr
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr(s.isolation)
	if err := cmd.Start(); err != nil {
		requestRead.Close()
		requestWrite.Close()
		responseRead.Close()
		responseWrite.Close()
		return nil, err
	}
	// the child holds its own copies now, ours would keep the pipes open forever
	requestRead.Close()
	responseWrite.Close()
	zap.S().Debugw("worker process started", "pid", cmd.Process.Pid)
	return &execProcess{
		cmd:      cmd,
		request:  requestWrite,
		response: responseRead,
	}, nil
}

func (p *execProcess) Request() io.WriteCloser { return p.request }

func (p *execProcess) Response() io.ReadCloser { return p.response }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	code := p.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return code, err
	}
	return code, nil
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

// RunFunc is a worker body that runs inside the controller, it returns the exit code
type RunFunc func(ctx context.Context, request io.Reader, response io.Writer) int

// inProcessSpawner runs workers as goroutines connected with in-memory pipes.
// It gives no isolation at all and exists for tests and single binary setups.
type inProcessSpawner struct {
	run RunFunc
	mu  sync.Mutex
	n   int
}

// NewInProcessSpawner returns a Spawner whose workers run f in a goroutine
func NewInProcessSpawner(f RunFunc) Spawner {
	return &inProcessSpawner{run: f}
}

// Spawned returns how many workers have been created
func Spawned(s Spawner) int {
	if ips, ok := s.(*inProcessSpawner); ok {
		ips.mu.Lock()
		defer ips.mu.Unlock()
		return ips.n
	}
	return -1
}

type goroutineProcess struct {
	pid          int
	cancel       context.CancelFunc
	requestRead  *io.PipeReader
	requestWrite *io.PipeWriter
	responseRead *io.PipeReader
	exited       chan int
	killOnce     sync.Once
	killed       chan struct{}
}

func (s *inProcessSpawner) Spawn(ctx context.Context) (Process, error) {
	s.mu.Lock()
	s.n++
	pid := s.n
	s.mu.Unlock()

	requestRead, requestWrite := io.Pipe()
	responseRead, responseWrite := io.Pipe()
	runCtx, cancel := context.WithCancel(context.Background())
	p := &goroutineProcess{
		pid:          pid,
		cancel:       cancel,
		requestRead:  requestRead,
		requestWrite: requestWrite,
		responseRead: responseRead,
		exited:       make(chan int, 1),
		killed:       make(chan struct{}),
	}
	go func() {
		code := s.run(runCtx, requestRead, responseWrite)
		requestRead.CloseWithError(io.ErrClosedPipe)
		responseWrite.Close()
		p.exited <- code
	}()
	return p, nil
}

func (p *goroutineProcess) Request() io.WriteCloser { return p.requestWrite }

func (p *goroutineProcess) Response() io.ReadCloser { return p.responseRead }

func (p *goroutineProcess) Wait() (int, error) {
	select {
	case code := <-p.exited:
		select {
		case <-p.killed:
			return -1, nil
		default:
			return code, nil
		}
	case <-p.killed:
		return -1, nil
	}
}

func (p *goroutineProcess) Kill() error {
	p.killOnce.Do(func() {
		close(p.killed)
		p.cancel()
		p.requestRead.CloseWithError(io.ErrClosedPipe)
		p.responseRead.CloseWithError(io.EOF)
	})
	return nil
}

func (p *goroutineProcess) Pid() int {
	return p.pid
}
