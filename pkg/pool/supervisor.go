package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/kromosynth/dispatcher/pkg/env"
	"github.com/kromosynth/dispatcher/pkg/prom"
	"github.com/kromosynth/dispatcher/pkg/rpc"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultSampleEvery  = 5 * time.Second
	defaultDrainGrace   = 30 * time.Second
	defaultReadyTimeout = time.Minute
	defaultRestartDelay = time.Second
	probeInterval       = 200 * time.Millisecond
)

var errExitedEarly = errors.New("instance exited before it was ready")

// Prober checks that the instance listening on port accepts calls
type Prober func(ctx context.Context, port int) error

// HealthProbe asks the grpc health service of the instance on host
func HealthProbe(host string) Prober {
	return func(ctx context.Context, port int) error {
		return rpc.Probe(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	}
}

// Options tunes a Supervisor, zero values get defaults
type Options struct {
	Launcher Launcher
	Sampler  MemorySampler
	// Probe decides readiness, nil means ready as soon as launched
	Probe        Prober
	SampleEvery  time.Duration
	DrainGrace   time.Duration
	ReadyTimeout time.Duration
	RestartDelay time.Duration
}

// Supervisor keeps the instances of one pool alive: it restarts them on a
// schedule, above their memory ceiling and when they crash. Every slot has its
// own goroutine, which is the only one changing that slot.
type Supervisor struct {
	app      App
	ceiling  uint64
	schedule cron.Schedule
	opts     Options
	slots    []*slot
	done     chan struct{}
}

type slot struct {
	*Instance
	restart chan Reason
}

// running is a launched process and its exit status once it is gone
type running struct {
	proc Proc
	done chan struct{}
	code int
	err  error
}

func watch(proc Proc) *running {
	r := &running{proc: proc, done: make(chan struct{})}
	go func() {
		r.code, r.err = proc.Wait()
		close(r.done)
	}()
	return r
}

func (r *running) alive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func NewSupervisor(app App, opts Options) (*Supervisor, error) {
	if err := app.Validate(); err != nil {
		return nil, err
	}
	ceiling, err := app.MemoryCeiling()
	if err != nil {
		return nil, err
	}
	var schedule cron.Schedule
	if app.CronRestart != "" {
		if schedule, err = cron.ParseStandard(app.CronRestart); err != nil {
			return nil, fmt.Errorf("%w: %s cron_restart: %v", ErrInvalidApp, app.Name, err)
		}
	}
	ports, err := app.Ports()
	if err != nil {
		return nil, err
	}
	if opts.Launcher == nil {
		if opts.Launcher, err = NewExecLauncher(app.Command()); err != nil {
			return nil, err
		}
	}
	if opts.Sampler == nil {
		opts.Sampler = NewProcessSampler()
	}
	if opts.Probe == nil && len(ports) > 0 && app.Role != "" {
		opts.Probe = HealthProbe("127.0.0.1")
	}
	if opts.SampleEvery <= 0 {
		opts.SampleEvery = defaultSampleEvery
	}
	if opts.DrainGrace <= 0 {
		opts.DrainGrace = defaultDrainGrace
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = defaultRestartDelay
	}
	s := &Supervisor{
		app:      app,
		ceiling:  uint64(ceiling),
		schedule: schedule,
		opts:     opts,
		done:     make(chan struct{}),
	}
	for i := 0; i < app.Instances; i++ {
		port := 0
		if i < len(ports) {
			port = ports[i]
		}
		s.slots = append(s.slots, &slot{
			Instance: newInstance(app.Name, i, port),
			restart:  make(chan Reason, 1),
		})
	}
	return s, nil
}

func (s *Supervisor) Name() string {
	return s.app.Name
}

// Done is closed when Run has stopped every instance
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status returns a snapshot of every slot
func (s *Supervisor) Status() []Snapshot {
	status := make([]Snapshot, 0, len(s.slots))
	for _, sl := range s.slots {
		status = append(status, sl.Snapshot())
	}
	return status
}

// Run starts all instances and keeps them alive until ctx is done,
// then stops them and returns
func (s *Supervisor) Run(ctx context.Context) error {
	zap.S().Infow("pool starting", "pool", s.app.Name, "instances", len(s.slots), "cron", s.app.CronRestart,
		"ceiling", s.ceiling)
	var wg sync.WaitGroup
	for _, sl := range s.slots {
		wg.Add(1)
		go func(sl *slot) {
			defer wg.Done()
			s.runSlot(ctx, sl)
		}(sl)
	}
	var c *cron.Cron
	if s.schedule != nil {
		c = cron.New()
		c.Schedule(s.schedule, cron.FuncJob(func() {
			s.Recycle(ReasonSchedule)
		}))
		c.Start()
	}
	if s.ceiling > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sampleMemory(ctx)
		}()
	}
	<-ctx.Done()
	if c != nil {
		<-c.Stop().Done()
	}
	wg.Wait()
	close(s.done)
	zap.S().Infow("pool stopped", "pool", s.app.Name)
	return nil
}

// Recycle asks every ready instance to drain and restart, regardless of load
func (s *Supervisor) Recycle(reason Reason) {
	zap.S().Infow("recycling pool", "pool", s.app.Name, "reason", reason)
	for _, sl := range s.slots {
		if sl.State() == Ready {
			s.requestRestart(sl, reason)
		}
	}
}

// Restart asks the instance in the given slot to drain and restart
func (s *Supervisor) Restart(slot int, reason Reason) error {
	if slot < 0 || slot >= len(s.slots) {
		return fmt.Errorf("%w: %s/%d", ErrNoSlot, s.app.Name, slot)
	}
	s.requestRestart(s.slots[slot], reason)
	return nil
}

func (s *Supervisor) requestRestart(sl *slot, reason Reason) {
	select {
	case sl.restart <- reason:
	default:
		// one pending request is enough
	}
}

func (s *Supervisor) runSlot(ctx context.Context, sl *slot) {
	var r *running
	var reason Reason
	for {
		switch sl.State() {
		case Starting:
			r = s.launch(ctx, sl)
		case Ready:
			reason = s.serve(ctx, sl, r)
		case Draining:
			s.terminate(sl, r)
			sl.exited(r.code)
			if ctx.Err() != nil {
				sl.mustTransition(Stopped)
				continue
			}
			prom.InstanceRestarts.WithLabelValues(s.app.Name, string(reason)).Inc()
			sl.mustTransition(Restarting)
		case Crashed:
			prom.InstanceRestarts.WithLabelValues(s.app.Name, string(ReasonCrash)).Inc()
			sl.setReason(ReasonCrash)
			select {
			case <-ctx.Done():
				sl.mustTransition(Stopped)
			case <-time.After(s.opts.RestartDelay):
				sl.mustTransition(Restarting)
			}
		case Restarting:
			sl.mustTransition(Starting)
		case Stopped:
			return
		}
	}
}

// launch starts the process of a slot and waits until it is ready. It leaves the
// slot Ready with the process returned, or Crashed or Stopped with nothing running.
func (s *Supervisor) launch(ctx context.Context, sl *slot) *running {
	if ctx.Err() != nil {
		sl.mustTransition(Stopped)
		return nil
	}
	spec := LaunchSpec{
		Pool: s.app.Name,
		Slot: sl.Slot(),
		Port: sl.Port(),
		Args: s.app.LaunchArgs(sl.Port()),
		Env:  s.env(sl),
	}
	proc, err := s.opts.Launcher.Launch(spec)
	if err != nil {
		zap.S().Errorw("instance launch error", "pool", s.app.Name, "slot", sl.Slot(), "err", err)
		sl.mustTransition(Crashed)
		return nil
	}
	sl.started(proc.Pid())
	r := watch(proc)
	if err := s.awaitReady(ctx, sl, r); err != nil {
		s.terminate(sl, r)
		sl.exited(r.code)
		if ctx.Err() != nil {
			sl.mustTransition(Stopped)
			return nil
		}
		zap.S().Errorw("instance not ready", "pool", s.app.Name, "slot", sl.Slot(), "port", sl.Port(), "err", err)
		sl.mustTransition(Crashed)
		return nil
	}
	zap.S().Infow("instance ready", "pool", s.app.Name, "slot", sl.Slot(), "port", sl.Port(), "pid", proc.Pid())
	sl.mustTransition(Ready)
	return r
}

func (s *Supervisor) env(sl *slot) map[string]string {
	vars := make(map[string]string, len(s.app.Env)+2)
	for k, v := range s.app.Env {
		vars[k] = v
	}
	if s.app.IncrementVar != "" && sl.Port() != 0 {
		vars[s.app.IncrementVar] = strconv.Itoa(sl.Port())
	}
	vars[env.PMID] = strconv.Itoa(sl.Slot())
	return vars
}

func (s *Supervisor) awaitReady(ctx context.Context, sl *slot, r *running) error {
	if s.opts.Probe == nil {
		if !r.alive() {
			return errExitedEarly
		}
		return nil
	}
	readyCtx, cancel := context.WithTimeout(ctx, s.opts.ReadyTimeout)
	defer cancel()
	probed := make(chan error, 1)
	go func() {
		probed <- retry.Do(
			func() error {
				return s.opts.Probe(readyCtx, sl.Port())
			},
			retry.Context(readyCtx),
			retry.Attempts(uint(s.opts.ReadyTimeout/probeInterval)+1),
			retry.Delay(probeInterval),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		)
	}()
	select {
	case err := <-probed:
		if err == nil && !r.alive() {
			return errExitedEarly
		}
		return err
	case <-r.done:
		cancel()
		<-probed
		return fmt.Errorf("%w with code %d", errExitedEarly, r.code)
	}
}

// serve watches a ready instance until it has to go, it leaves the slot Draining,
// Crashed or Stopped and returns the restart reason
func (s *Supervisor) serve(ctx context.Context, sl *slot, r *running) Reason {
	// requests from before this instance was ready are stale
	select {
	case <-sl.restart:
	default:
	}
	select {
	case <-r.done:
		zap.S().Warnw("instance exited", "pool", s.app.Name, "slot", sl.Slot(), "code", r.code, "err", r.err)
		sl.exited(r.code)
		sl.mustTransition(Crashed)
		return ReasonCrash
	case reason := <-sl.restart:
		zap.S().Infow("instance draining", "pool", s.app.Name, "slot", sl.Slot(), "reason", reason)
		sl.setReason(reason)
		sl.mustTransition(Draining)
		return reason
	case <-ctx.Done():
		s.terminate(sl, r)
		sl.exited(r.code)
		sl.mustTransition(Stopped)
		return ""
	}
}

// terminate asks the process to exit and kills it after the drain grace.
// The port is free once it returns.
func (s *Supervisor) terminate(sl *slot, r *running) {
	if r == nil || !r.alive() {
		return
	}
	if err := r.proc.Terminate(); err != nil {
		zap.S().Warnw("instance terminate error", "pool", s.app.Name, "slot", sl.Slot(), "err", err)
	}
	select {
	case <-r.done:
	case <-time.After(s.opts.DrainGrace):
		zap.S().Warnw("instance did not drain in time, killing", "pool", s.app.Name, "slot", sl.Slot(),
			"grace", s.opts.DrainGrace)
		if err := r.proc.Kill(); err != nil {
			zap.S().Warnw("instance kill error", "pool", s.app.Name, "slot", sl.Slot(), "err", err)
		}
		<-r.done
	}
}

func (s *Supervisor) sampleMemory(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, sl := range s.slots {
			pid := sl.PID()
			if sl.State() != Ready || pid == 0 {
				continue
			}
			rss, err := s.opts.Sampler.RSS(pid)
			if err != nil {
				zap.S().Debugw("memory sample error", "pool", s.app.Name, "slot", sl.Slot(), "pid", pid, "err", err)
				continue
			}
			sl.setRSS(rss)
			if rss > s.ceiling {
				zap.S().Warnw("instance over memory ceiling", "pool", s.app.Name, "slot", sl.Slot(), "rss", rss,
					"ceiling", s.ceiling)
				s.requestRestart(sl, ReasonMemory)
			}
		}
	}
}
