package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/kromosynth/dispatcher/pkg/env"
	"github.com/kromosynth/dispatcher/pkg/rpc"
	"github.com/kromosynth/dispatcher/pkg/task"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeLauncher hands out fake processes and counts live processes per port
type fakeLauncher struct {
	mu       sync.Mutex
	next     int
	procs    []*fakeProc
	alive    map[int]int
	overlaps int
	specs    []LaunchSpec
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{next: 1000, alive: map[int]int{}}
}

func (l *fakeLauncher) Launch(spec LaunchSpec) (Proc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	p := &fakeProc{
		pid:        l.next,
		port:       spec.Port,
		launcher:   l,
		exit:       make(chan int, 1),
		terminated: make(chan struct{}),
	}
	if l.alive[spec.Port] > 0 {
		l.overlaps++
	}
	l.alive[spec.Port]++
	l.procs = append(l.procs, p)
	l.specs = append(l.specs, spec)
	return p, nil
}

func (l *fakeLauncher) exited(p *fakeProc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alive[p.port]--
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) overlapping() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overlaps
}

func (l *fakeLauncher) launchSpecs() []LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LaunchSpec{}, l.specs...)
}

func (l *fakeLauncher) proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type fakeProc struct {
	pid        int
	port       int
	launcher   *fakeLauncher
	exit       chan int
	termOnce   sync.Once
	terminated chan struct{}
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Wait() (int, error) {
	code := <-p.exit
	p.launcher.exited(p)
	return code, nil
}

func (p *fakeProc) Terminate() error {
	p.termOnce.Do(func() {
		close(p.terminated)
		p.finish(0)
	})
	return nil
}

func (p *fakeProc) Kill() error {
	p.finish(-1)
	return nil
}

func (p *fakeProc) finish(code int) {
	select {
	case p.exit <- code:
	default:
	}
}

// fakeSampler reports a fixed resident size per pid
type fakeSampler struct {
	mu  sync.Mutex
	rss map[int]uint64
}

func (s *fakeSampler) RSS(pid int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rss[pid], nil
}

func alwaysReady(ctx context.Context, port int) error { return nil }

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func testApp(instances int) App {
	return App{
		Name:         "variation",
		Role:         "variation",
		Instances:    instances,
		IncrementVar: "PORT",
		Env:          map[string]string{"PORT": "50051", "TF_FORCE_GPU_ALLOW_GROWTH": "true"},
	}
}

func allInState(s *Supervisor, state State) func() bool {
	return func() bool {
		for _, snap := range s.Status() {
			if snap.State != state.String() {
				return false
			}
		}
		return true
	}
}

func TestSupervisor(t *testing.T) {
	Convey("a supervised pool", t, func() {
		launcher := newFakeLauncher()
		sampler := &fakeSampler{rss: map[int]uint64{}}
		opts := Options{
			Launcher:     launcher,
			Sampler:      sampler,
			Probe:        alwaysReady,
			SampleEvery:  10 * time.Millisecond,
			DrainGrace:   time.Second,
			RestartDelay: 10 * time.Millisecond,
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		Convey("starts every slot on its own port", func() {
			s, err := NewSupervisor(testApp(3), opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(allInState(s, Ready)), ShouldBeTrue)

			ports := map[int]bool{}
			for _, snap := range s.Status() {
				So(ports[snap.Port], ShouldBeFalse)
				ports[snap.Port] = true
				So(snap.PID, ShouldNotEqual, 0)
			}
			So(ports, ShouldResemble, map[int]bool{50051: true, 50052: true, 50053: true})
			specs := launcher.launchSpecs()
			So(specs, ShouldHaveLength, 3)
			for _, spec := range specs {
				So(spec.Env["PORT"], ShouldEqual, strconv.Itoa(spec.Port))
				So(spec.Env[env.PMID], ShouldEqual, strconv.Itoa(spec.Slot))
				So(spec.Env["TF_FORCE_GPU_ALLOW_GROWTH"], ShouldEqual, "true")
				So(spec.Args, ShouldResemble, []string{"--port", strconv.Itoa(spec.Port)})
			}
		})

		Convey("hands the port to role instances whatever variable carries it", func() {
			app := testApp(2)
			app.IncrementVar = "GRPC_PORT"
			app.Env = map[string]string{"GRPC_PORT": "50071"}
			s, err := NewSupervisor(app, opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(allInState(s, Ready)), ShouldBeTrue)

			specs := launcher.launchSpecs()
			So(specs, ShouldHaveLength, 2)
			for _, spec := range specs {
				So(spec.Env["GRPC_PORT"], ShouldEqual, strconv.Itoa(spec.Port))
				So(spec.Args, ShouldResemble, []string{"--port", strconv.Itoa(spec.Port)})
			}
		})

		Convey("recycles every ready instance on schedule", func() {
			s, err := NewSupervisor(testApp(2), opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(allInState(s, Ready)), ShouldBeTrue)

			s.Recycle(ReasonSchedule)
			So(eventually(func() bool {
				for _, snap := range s.Status() {
					if snap.Restarts != 1 || snap.State != "ready" {
						return false
					}
				}
				return true
			}), ShouldBeTrue)
			for _, snap := range s.Status() {
				So(snap.LastRestartReason, ShouldEqual, ReasonSchedule)
			}
			So(launcher.launches(), ShouldEqual, 4)
			So(launcher.overlapping(), ShouldEqual, 0)
		})

		Convey("follows the cron schedule", func() {
			app := testApp(1)
			app.CronRestart = "@every 1s"
			s, err := NewSupervisor(app, opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(func() bool { return s.Status()[0].Restarts >= 1 }), ShouldBeTrue)
			So(s.Status()[0].LastRestartReason, ShouldEqual, ReasonSchedule)
			So(launcher.overlapping(), ShouldEqual, 0)
		})

		Convey("restarts an instance over its memory ceiling", func() {
			app := testApp(2)
			app.MaxMemoryRestart = "700M"
			s, err := NewSupervisor(app, opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(allInState(s, Ready)), ShouldBeTrue)

			hog := s.Status()[1]
			sampler.mu.Lock()
			sampler.rss[hog.PID] = 800 * 1024 * 1024
			sampler.mu.Unlock()

			So(eventually(func() bool {
				snap := s.Status()[1]
				return snap.Restarts == 1 && snap.State == "ready"
			}), ShouldBeTrue)
			replaced := s.Status()[1]
			So(replaced.LastRestartReason, ShouldEqual, ReasonMemory)
			So(replaced.PID, ShouldNotEqual, hog.PID)
			So(replaced.Port, ShouldEqual, hog.Port)
			So(s.Status()[0].Restarts, ShouldEqual, 0)
			So(launcher.overlapping(), ShouldEqual, 0)
		})

		Convey("replaces a crashed instance", func() {
			s, err := NewSupervisor(testApp(1), opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(allInState(s, Ready)), ShouldBeTrue)

			launcher.proc(0).finish(3)
			So(eventually(func() bool {
				snap := s.Status()[0]
				return snap.Restarts == 1 && snap.State == "ready"
			}), ShouldBeTrue)
			snap := s.Status()[0]
			So(snap.LastRestartReason, ShouldEqual, ReasonCrash)
			So(snap.LastExitCode, ShouldEqual, 3)
			So(launcher.launches(), ShouldEqual, 2)
		})

		Convey("keeps probing until an instance is ready", func() {
			var mu sync.Mutex
			probes := 0
			opts.Probe = func(ctx context.Context, port int) error {
				mu.Lock()
				defer mu.Unlock()
				probes++
				if probes < 3 {
					return errors.New("connection refused")
				}
				return nil
			}
			s, err := NewSupervisor(testApp(1), opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(allInState(s, Ready)), ShouldBeTrue)
			So(launcher.launches(), ShouldEqual, 1)
		})

		Convey("stops every instance on shutdown", func() {
			s, err := NewSupervisor(testApp(2), opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(allInState(s, Ready)), ShouldBeTrue)

			cancel()
			select {
			case <-s.Done():
			case <-time.After(5 * time.Second):
			}
			So(allInState(s, Stopped)(), ShouldBeTrue)
			for i := 0; i < 2; i++ {
				select {
				case <-launcher.proc(i).terminated:
				default:
					t.Errorf("instance %d was not terminated", i)
				}
			}
		})

		Convey("restarts a single slot on request", func() {
			s, err := NewSupervisor(testApp(2), opts)
			So(err, ShouldBeNil)
			go s.Run(ctx)
			So(eventually(allInState(s, Ready)), ShouldBeTrue)

			So(s.Restart(5, ReasonManual), ShouldNotBeNil)
			So(s.Restart(0, ReasonManual), ShouldBeNil)
			So(eventually(func() bool { return s.Status()[0].Restarts == 1 }), ShouldBeTrue)
			So(s.Status()[1].Restarts, ShouldEqual, 0)
		})
	})
}

// instanceLauncher runs a real genome service in process for every launch
type instanceLauncher struct {
	mu          sync.Mutex
	generation  int
	launchErrs  int
	entered     chan int
	release     chan struct{}
	servedBy    []int
	servedMutex sync.Mutex
}

// gated serves random genomes, the first call of the first generation waits for release
type gated struct {
	l          *instanceLauncher
	generation int
	once       sync.Once
}

func (g *gated) Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error) {
	if g.generation == 1 {
		var err error
		g.once.Do(func() {
			g.l.entered <- g.generation
			select {
			case <-g.l.release:
			case <-ctx.Done():
				err = ctx.Err()
			}
		})
		if err != nil {
			return nil, err
		}
	}
	g.l.servedMutex.Lock()
	g.l.servedBy = append(g.l.servedBy, g.generation)
	g.l.servedMutex.Unlock()
	return &task.Result{TaskID: payload.ID, GenomeString: fmt.Sprintf(`{"_id":"gen%d"}`, g.generation)}, nil
}

type instanceProc struct {
	pid    int
	cancel context.CancelFunc
	stop   func()
	done   chan error
}

func (l *instanceLauncher) Launch(spec LaunchSpec) (Proc, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(spec.Port)))
	if err != nil {
		l.mu.Lock()
		l.launchErrs++
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Lock()
	l.generation++
	generation := l.generation
	l.mu.Unlock()

	srv, err := rpc.NewServer(rpc.Config{Role: rpc.RoleVariation, Dispatcher: &gated{l: l, generation: generation}})
	if err != nil {
		lis.Close()
		return nil, err
	}
	gs := rpc.NewGRPCServer()
	srv.Register(gs)
	ctx, cancel := context.WithCancel(context.Background())
	p := &instanceProc{pid: generation, cancel: cancel, stop: gs.Stop, done: make(chan error, 1)}
	go func() {
		p.done <- rpc.ServeUntil(ctx, lis, gs, srv, 5*time.Second)
	}()
	return p, nil
}

func (p *instanceProc) Pid() int { return p.pid }

func (p *instanceProc) Wait() (int, error) {
	if err := <-p.done; err != nil {
		return 1, nil
	}
	return 0, nil
}

func (p *instanceProc) Terminate() error {
	p.cancel()
	return nil
}

func (p *instanceProc) Kill() error {
	p.cancel()
	p.stop()
	return nil
}

func freePort() int {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	So(err, ShouldBeNil)
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}

func TestSupervisor_ScheduledRestartInFlight(t *testing.T) {
	Convey("a scheduled restart lets the call in flight finish on the old instance", t, func() {
		port := freePort()
		app := testApp(1)
		app.Env["PORT"] = strconv.Itoa(port)
		launcher := &instanceLauncher{entered: make(chan int, 1), release: make(chan struct{})}
		s, err := NewSupervisor(app, Options{
			Launcher:     launcher,
			Sampler:      &fakeSampler{},
			DrainGrace:   5 * time.Second,
			ReadyTimeout: 5 * time.Second,
		})
		So(err, ShouldBeNil)
		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			<-s.Done()
		}()
		go s.Run(ctx)
		// readiness is decided by the health service of the instance
		So(eventually(allInState(s, Ready)), ShouldBeTrue)

		target := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		client, err := rpc.Dial(context.Background(), target)
		So(err, ShouldBeNil)
		defer client.Close()

		type reply struct {
			genome string
			err    error
		}
		inFlight := make(chan reply, 1)
		go func() {
			g, err := client.RandomGenome(context.Background(), task.RandomParams{EvolutionRunID: "r"})
			inFlight <- reply{g, err}
		}()
		So(<-launcher.entered, ShouldEqual, 1)

		s.Recycle(ReasonSchedule)
		So(eventually(func() bool { return s.Status()[0].State == Draining.String() }), ShouldBeTrue)
		close(launcher.release)

		first := <-inFlight
		So(first.err, ShouldBeNil)
		So(first.genome, ShouldEqual, `{"_id":"gen1"}`)

		So(eventually(func() bool {
			snap := s.Status()[0]
			return snap.Restarts == 1 && snap.State == "ready"
		}), ShouldBeTrue)

		replacement, err := rpc.Dial(context.Background(), target)
		So(err, ShouldBeNil)
		defer replacement.Close()
		g, err := replacement.RandomGenome(context.Background(), task.RandomParams{EvolutionRunID: "r"})
		So(err, ShouldBeNil)
		So(g, ShouldEqual, `{"_id":"gen2"}`)
		launcher.mu.Lock()
		So(launcher.launchErrs, ShouldEqual, 0)
		launcher.mu.Unlock()
		So(s.Status()[0].LastRestartReason, ShouldEqual, ReasonSchedule)
	})
}

func TestSupervisor_DrainGraceExpires(t *testing.T) {
	Convey("a call outlasting the drain grace is cut off and the replacement serves", t, func() {
		port := freePort()
		app := testApp(1)
		app.Env["PORT"] = strconv.Itoa(port)
		launcher := &instanceLauncher{entered: make(chan int, 1), release: make(chan struct{})}
		s, err := NewSupervisor(app, Options{
			Launcher:     launcher,
			Sampler:      &fakeSampler{},
			DrainGrace:   200 * time.Millisecond,
			ReadyTimeout: 5 * time.Second,
		})
		So(err, ShouldBeNil)
		ctx, cancel := context.WithCancel(context.Background())
		defer func() {
			cancel()
			<-s.Done()
		}()
		go s.Run(ctx)
		So(eventually(allInState(s, Ready)), ShouldBeTrue)

		target := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		client, err := rpc.Dial(context.Background(), target)
		So(err, ShouldBeNil)
		defer client.Close()

		inFlight := make(chan error, 1)
		go func() {
			_, err := client.RandomGenome(context.Background(), task.RandomParams{EvolutionRunID: "r"})
			inFlight <- err
		}()
		So(<-launcher.entered, ShouldEqual, 1)

		// release is never closed, only the kill after the grace ends the call
		s.Recycle(ReasonSchedule)
		select {
		case err := <-inFlight:
			So(err, ShouldNotBeNil)
			So(rpc.Refused(err), ShouldBeFalse)
		case <-time.After(5 * time.Second):
			So("the call in flight was never cut off", ShouldBeEmpty)
		}

		So(eventually(func() bool {
			snap := s.Status()[0]
			return snap.Restarts == 1 && snap.State == "ready"
		}), ShouldBeTrue)

		replacement, err := rpc.Dial(context.Background(), target)
		So(err, ShouldBeNil)
		defer replacement.Close()
		g, err := replacement.RandomGenome(context.Background(), task.RandomParams{EvolutionRunID: "r"})
		So(err, ShouldBeNil)
		So(g, ShouldEqual, `{"_id":"gen2"}`)
		launcher.servedMutex.Lock()
		So(launcher.servedBy, ShouldResemble, []int{2})
		launcher.servedMutex.Unlock()
	})
}
