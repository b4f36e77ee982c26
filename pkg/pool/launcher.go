package pool

import (
	"errors"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Proc is a launched service instance
type Proc interface {
	Pid() int
	// Wait blocks until the process exits and returns its exit code, it is called once
	Wait() (int, error)
	// Terminate asks the process to drain and exit
	Terminate() error
	Kill() error
}

// LaunchSpec is everything that distinguishes one instance of a pool from another
type LaunchSpec struct {
	Pool string
	Slot int
	Port int
	Args []string
	Env  map[string]string
}

// Launcher starts service instances
type Launcher interface {
	Launch(spec LaunchSpec) (Proc, error)
}

type execLauncher struct {
	command []string
}

// NewExecLauncher launches command with the LaunchSpec args appended, in the environment
// of this process extended with the LaunchSpec env
func NewExecLauncher(command []string) (Launcher, error) {
	if len(command) == 0 {
		return nil, errors.New("empty instance command")
	}
	return &execLauncher{command: command}, nil
}

type execProc struct {
	cmd *exec.Cmd
}

func (l *execLauncher) Launch(spec LaunchSpec) (Proc, error) {
	args := append(append([]string{}, l.command[1:]...), spec.Args...)
	cmd := exec.Command(l.command[0], args...)
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = sysProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	zap.S().Infow("instance launched", "pool", spec.Pool, "slot", spec.Slot, "port", spec.Port,
		"pid", cmd.Process.Pid)
	return &execProc{cmd: cmd}, nil
}

func (p *execProc) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProc) Wait() (int, error) {
	err := p.cmd.Wait()
	code := p.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return code, err
	}
	return code, nil
}

func (p *execProc) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProc) Kill() error {
	return p.cmd.Process.Kill()
}

// MemorySampler reads the resident memory of a process
type MemorySampler interface {
	RSS(pid int) (uint64, error)
}

type processSampler struct{}

// NewProcessSampler samples resident memory from the operating system
func NewProcessSampler() MemorySampler {
	return processSampler{}
}

func (processSampler) RSS(pid int) (uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}
