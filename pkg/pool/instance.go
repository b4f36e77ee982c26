package pool

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kromosynth/dispatcher/pkg/prom"
	"go.uber.org/zap"
)

// Reason is why an instance was replaced
type Reason string

const (
	ReasonSchedule Reason = "schedule"
	ReasonMemory   Reason = "memory"
	ReasonCrash    Reason = "crash"
	ReasonManual   Reason = "manual"
)

// Instance is one slot of a pool. Only the supervisor of the pool changes it,
// everybody else reads snapshots.
type Instance struct {
	mu        sync.RWMutex
	pool      string
	slot      int
	port      int
	state     State
	pid       int
	restarts  int
	startedAt time.Time
	rss       uint64
	reason    Reason
	exitCode  int
}

func newInstance(pool string, slot, port int) *Instance {
	i := &Instance{
		pool:  pool,
		slot:  slot,
		port:  port,
		state: Starting,
	}
	i.record()
	return i
}

// Snapshot is the observable status of an instance
type Snapshot struct {
	Pool              string    `json:"pool"`
	Slot              int       `json:"slot"`
	Port              int       `json:"port,omitempty"`
	PID               int       `json:"pid,omitempty"`
	State             string    `json:"state"`
	Restarts          int       `json:"restarts"`
	StartedAt         time.Time `json:"startedAt"`
	ResidentBytes     uint64    `json:"residentBytes"`
	LastRestartReason Reason    `json:"lastRestartReason,omitempty"`
	LastExitCode      int       `json:"lastExitCode"`
}

func (i *Instance) Snapshot() Snapshot {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return Snapshot{
		Pool:              i.pool,
		Slot:              i.slot,
		Port:              i.port,
		PID:               i.pid,
		State:             i.state.String(),
		Restarts:          i.restarts,
		StartedAt:         i.startedAt,
		ResidentBytes:     i.rss,
		LastRestartReason: i.reason,
		LastExitCode:      i.exitCode,
	}
}

func (i *Instance) State() State {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state
}

func (i *Instance) PID() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.pid
}

func (i *Instance) Port() int {
	return i.port
}

func (i *Instance) Slot() int {
	return i.slot
}

// transition moves the instance to a new state, illegal moves are refused
func (i *Instance) transition(to State) error {
	i.mu.Lock()
	from := i.state
	if !from.CanTransition(to) {
		i.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	i.state = to
	if to == Restarting {
		i.restarts++
	}
	i.mu.Unlock()
	i.record()
	zap.S().Debugw("instance state", "pool", i.pool, "slot", i.slot, "from", from, "to", to)
	return nil
}

// mustTransition is used by the supervisor where the move is always legal
func (i *Instance) mustTransition(to State) {
	if err := i.transition(to); err != nil {
		zap.S().Errorw("instance state machine", "pool", i.pool, "slot", i.slot, "err", err)
	}
}

func (i *Instance) started(pid int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pid = pid
	i.rss = 0
	i.startedAt = time.Now()
}

func (i *Instance) exited(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pid = 0
	i.exitCode = code
}

func (i *Instance) setReason(reason Reason) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reason = reason
}

func (i *Instance) setRSS(rss uint64) {
	i.mu.Lock()
	i.rss = rss
	i.mu.Unlock()
	prom.InstanceMemory.WithLabelValues(i.pool, strconv.Itoa(i.slot)).Set(float64(rss))
}

func (i *Instance) record() {
	prom.InstanceState.WithLabelValues(i.pool, strconv.Itoa(i.slot)).Set(float64(i.State()))
}
