package pool

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/api/resource"
)

// ExecMode is kept for compatibility with process manager files, both modes get
// one process per instance here
type ExecMode string

const (
	ClusterMode ExecMode = "cluster"
	ForkMode    ExecMode = "fork"
)

// App is one pool of identical instances
type App struct {
	Name string `yaml:"name"`
	// Role is passed to "serve", empty for apps that are not genome services
	Role string `yaml:"role"`
	// Script is the command line of an instance, this binary's "serve" when empty
	Script           string            `yaml:"script"`
	Args             []string          `yaml:"args"`
	Instances        int               `yaml:"instances"`
	ExecMode         ExecMode          `yaml:"exec_mode"`
	MaxMemoryRestart string            `yaml:"max_memory_restart"`
	CronRestart      string            `yaml:"cron_restart"`
	IncrementVar     string            `yaml:"increment_var"`
	Env              map[string]string `yaml:"env"`
}

// Ecosystem is the process manager file, a list of pools
type Ecosystem struct {
	Apps []App `yaml:"apps"`
}

// LoadEcosystem reads and validates an ecosystem file
func LoadEcosystem(path string) (*Ecosystem, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseEcosystem(data)
}

func ParseEcosystem(data []byte) (*Ecosystem, error) {
	eco := &Ecosystem{}
	if err := yaml.Unmarshal(data, eco); err != nil {
		return nil, err
	}
	if err := eco.Validate(); err != nil {
		return nil, err
	}
	return eco, nil
}

// Validate checks every app and that no port is used by two of them
func (e *Ecosystem) Validate() error {
	owners := map[int]string{}
	names := map[string]bool{}
	for i := range e.Apps {
		app := &e.Apps[i]
		if err := app.Validate(); err != nil {
			return err
		}
		if names[app.Name] {
			return fmt.Errorf("%w: duplicated name %q", ErrInvalidApp, app.Name)
		}
		names[app.Name] = true
		ports, err := app.Ports()
		if err != nil {
			return err
		}
		for _, port := range ports {
			if owner, taken := owners[port]; taken {
				return fmt.Errorf("%w: port %d of %s is also used by %s", ErrSharedPort, port, app.Name, owner)
			}
			owners[port] = app.Name
		}
	}
	return nil
}

// App returns the app with the given name
func (e *Ecosystem) App(name string) (App, bool) {
	for _, app := range e.Apps {
		if app.Name == name {
			return app, true
		}
	}
	return App{}, false
}

// Validate fills defaults and rejects definitions a supervisor cannot run
func (a *App) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidApp)
	}
	if a.Instances < 0 {
		return fmt.Errorf("%w: %s has %d instances", ErrInvalidApp, a.Name, a.Instances)
	}
	if a.Instances == 0 {
		a.Instances = 1
	}
	switch a.ExecMode {
	case "":
		a.ExecMode = ForkMode
	case ClusterMode, ForkMode:
	default:
		return fmt.Errorf("%w: %s has exec mode %q", ErrInvalidApp, a.Name, a.ExecMode)
	}
	if a.Script == "" && a.Role == "" {
		return fmt.Errorf("%w: %s needs a role or a script", ErrInvalidApp, a.Name)
	}
	if a.Instances > 1 && a.IncrementVar == "" && a.Env[PortVar] != "" {
		return fmt.Errorf("%w: %s runs %d instances on port %s without increment_var", ErrSharedPort,
			a.Name, a.Instances, a.Env[PortVar])
	}
	if _, err := a.MemoryCeiling(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidApp, a.Name, err)
	}
	if a.CronRestart != "" {
		if _, err := cron.ParseStandard(a.CronRestart); err != nil {
			return fmt.Errorf("%w: %s cron_restart: %v", ErrInvalidApp, a.Name, err)
		}
	}
	if _, err := a.Ports(); err != nil {
		return err
	}
	return nil
}

// PortVar is the environment variable a genome service reads its port from
const PortVar = "PORT"

// BasePort is the port of slot 0, zero for apps that do not listen
func (a *App) BasePort() (int, error) {
	v := a.IncrementVar
	if v == "" {
		v = PortVar
	}
	raw, ok := a.Env[v]
	if !ok || raw == "" {
		return 0, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("%w: %s has %s=%q", ErrInvalidApp, a.Name, v, raw)
	}
	return port, nil
}

// Ports returns the port of every slot, slot i listens on base port + i
func (a *App) Ports() ([]int, error) {
	base, err := a.BasePort()
	if err != nil || base == 0 {
		return nil, err
	}
	n := a.Instances
	if n == 0 {
		n = 1
	}
	if a.IncrementVar == "" {
		n = 1
	}
	if base+n-1 > 65535 {
		return nil, fmt.Errorf("%w: %s needs ports %d to %d", ErrInvalidApp, a.Name, base, base+n-1)
	}
	ports := make([]int, n)
	for i := range ports {
		ports[i] = base + i
	}
	return ports, nil
}

// MemoryCeiling returns max_memory_restart in bytes, zero when there is none
func (a *App) MemoryCeiling() (int64, error) {
	return ParseMemory(a.MaxMemoryRestart)
}

// Command is the command line of one instance, without the app args
func (a *App) Command() []string {
	if a.Script != "" {
		return strings.Fields(a.Script)
	}
	self, err := os.Executable()
	if err != nil {
		self = "/proc/self/exe"
	}
	return []string{self, "serve", "--role", a.Role}
}

// LaunchArgs are the arguments of the instance listening on port. A genome
// service gets the port as a flag too, it only reads PORT from its environment
// and increment_var may name another variable.
func (a *App) LaunchArgs(port int) []string {
	args := append([]string{}, a.Args...)
	if a.Script == "" && port != 0 {
		args = append(args, "--port", strconv.Itoa(port))
	}
	return args
}

// ParseMemory parses sizes as process managers write them: "700M", "4G", "200K"
// are binary multiples. Quantities like "1Gi" or plain bytes are accepted too.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	switch last := s[len(s)-1]; last {
	case 'K', 'k':
		s = s[:len(s)-1] + "Ki"
	case 'M', 'm':
		s = s[:len(s)-1] + "Mi"
	case 'G', 'g':
		s = s[:len(s)-1] + "Gi"
	}
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, fmt.Errorf("memory size %q: %w", s, err)
	}
	if q.Sign() < 0 {
		return 0, fmt.Errorf("memory size %q is negative", s)
	}
	return q.Value(), nil
}
