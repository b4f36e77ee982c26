package rpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/kromosynth/dispatcher/pkg/genome"
	"github.com/kromosynth/dispatcher/pkg/task"
	"github.com/kromosynth/dispatcher/pkg/worker"
	. "github.com/smartystreets/goconvey/convey"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// recorder keeps the payloads it is asked to dispatch
type recorder struct {
	mu       sync.Mutex
	payloads []*task.Payload
	result   *task.Result
	err      error
}

func (r *recorder) Dispatch(ctx context.Context, payload *task.Payload) (*task.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return r.result, r.err
}

type fixture struct {
	client *Client
	srv    *Server
	dialer grpc.DialOption
	stop   func()
}

func serve(cfg Config) *fixture {
	srv, err := NewServer(cfg)
	So(err, ShouldBeNil)
	lis := bufconn.Listen(1024 * 1024)
	gs := NewGRPCServer()
	srv.Register(gs)
	go func() {
		_ = gs.Serve(lis)
	}()
	dialer := grpc.WithContextDialer(func(ctx context.Context, s string) (net.Conn, error) {
		return lis.Dial()
	})
	client, err := Dial(context.Background(), "bufnet", dialer)
	So(err, ShouldBeNil)
	return &fixture{client: client, srv: srv, dialer: dialer, stop: func() {
		client.Close()
		gs.Stop()
	}}
}

func start(cfg Config) (*Client, *Server, func()) {
	f := serve(cfg)
	return f.client, f.srv, f.stop
}

func inProcess(opts ...genome.MockOption) Dispatcher {
	return worker.NewClient(worker.NewInProcessSpawner(worker.EntryPoint(genome.NewMockOperations(opts...))),
		worker.Options{})
}

func TestServer_Variation(t *testing.T) {
	ctx := context.Background()
	Convey("a variation instance", t, func() {
		client, _, stop := start(Config{Role: RoleVariation, Dispatcher: inProcess()})
		defer stop()

		Convey("creates random genomes", func() {
			g, err := client.RandomGenome(ctx, task.RandomParams{
				EvolutionRunID:              "run-1",
				GenerationNumber:            2,
				EvolutionaryHyperparameters: map[string]interface{}{"audioGraph": map[string]interface{}{"size": 3}},
			})
			So(err, ShouldBeNil)
			So(task.GenomeID(g), ShouldNotBeEmpty)
			So(g, ShouldContainSubstring, "run-1")
		})

		Convey("varies several parents", func() {
			g, err := client.GenomeVariation(ctx, task.VaryParams{
				GenomeStrings:  []string{`{"_id":"a"}`, `{"_id":"b","mutations":2}`},
				EvolutionRunID: "run-1",
			})
			So(err, ShouldBeNil)
			So(g, ShouldContainSubstring, `"parentGenomes":["a","b"]`)
			So(g, ShouldContainSubstring, `"mutations":3`)
		})

		Convey("accepts parents wrapped in an object", func() {
			req, err := structpb.NewStruct(map[string]interface{}{
				"genomeStrings":  map[string]interface{}{"genomeStrings": []interface{}{`{"_id":"w"}`}},
				"evolutionRunId": "run-2",
			})
			So(err, ShouldBeNil)
			reply, err := client.invoke(ctx, MethodGenomeVariation, req)
			So(err, ShouldBeNil)
			So(reply.GetFields()["genome_string"].GetStringValue(), ShouldContainSubstring, `"w"`)
		})

		Convey("scores a genome", func() {
			scores, err := client.GenomeEvaluation(ctx, task.EvaluateParams{
				GenomeString:          `{"_id":"e"}`,
				ClassScoringDurations: []float64{1},
			})
			So(err, ShouldBeNil)
			So(scores, ShouldContainKey, "Piano")
			So(scores["Piano"].Duration, ShouldEqual, 1)
		})

		Convey("a variation without parents is invalid", func() {
			_, err := client.GenomeVariation(ctx, task.VaryParams{EvolutionRunID: "run-1"})
			So(status.Code(err), ShouldEqual, codes.InvalidArgument)
		})
	})
}

func TestServer_Failures(t *testing.T) {
	ctx := context.Background()
	testcases := []struct {
		caseName string
		skipped  bool
		cfg      Config
		call     func(c *Client) error
		check    func(err error)
	}{
		{
			caseName: "failed variation answers an empty genome",
			cfg:      Config{Role: RoleVariation, Dispatcher: inProcess(genome.WithFailure(task.Vary))},
			call: func(c *Client) error {
				_, err := c.GenomeVariation(ctx, task.VaryParams{GenomeStrings: []string{"{}"}})
				return err
			},
			check: func(err error) {
				So(err, ShouldEqual, ErrNoOffspring)
			},
		},
		{
			caseName: "failed evaluation answers without scores",
			cfg:      Config{Role: RoleEvaluation, Dispatcher: inProcess(genome.WithFailure(task.Evaluate))},
			call: func(c *Client) error {
				scores, err := c.GenomeEvaluation(ctx, task.EvaluateParams{GenomeString: "{}"})
				So(scores, ShouldBeEmpty)
				return err
			},
			check: func(err error) {
				So(err, ShouldBeNil)
			},
		},
		{
			caseName: "failed random genome is aborted",
			cfg:      Config{Role: RoleVariation, Dispatcher: inProcess(genome.WithFailure(task.GenerateRandom))},
			call: func(c *Client) error {
				_, err := c.RandomGenome(ctx, task.RandomParams{EvolutionRunID: "r"})
				return err
			},
			check: func(err error) {
				So(status.Code(err), ShouldEqual, codes.Aborted)
			},
		},
		{
			caseName: "evaluation instances do not create genomes",
			cfg:      Config{Role: RoleEvaluation, Dispatcher: inProcess()},
			call: func(c *Client) error {
				_, err := c.RandomGenome(ctx, task.RandomParams{})
				return err
			},
			check: func(err error) {
				So(status.Code(err), ShouldEqual, codes.Unimplemented)
			},
		},
		{
			caseName: "evaluation instances still vary",
			cfg:      Config{Role: RoleEvaluation, Dispatcher: inProcess()},
			call: func(c *Client) error {
				_, err := c.GenomeVariation(ctx, task.VaryParams{GenomeStrings: []string{`{"_id":"p"}`}})
				return err
			},
			check: func(err error) {
				So(err, ShouldBeNil)
			},
		},
	}
	for _, testcase := range testcases {
		if testcase.skipped {
			continue
		}
		Convey(testcase.caseName, t, func() {
			client, _, stop := start(testcase.cfg)
			defer stop()
			testcase.check(testcase.call(client))
		})
	}
}

func TestServer_Payloads(t *testing.T) {
	ctx := context.Background()
	Convey("the instance model url travels in the payload", t, func() {
		r := &recorder{result: &task.Result{}}
		client, _, stop := start(Config{Role: RoleEvaluation, ModelURL: "file:///models/yamnet", Dispatcher: r})
		defer stop()

		req, err := structpb.NewStruct(map[string]interface{}{
			"genomeString":             `{"_id":"m"}`,
			"classScoringDurations":    map[string]interface{}{"1": 2.0, "0": 0.5, "10": 4.0},
			"classScoringVelocities":   []interface{}{0.75},
			"classificationGraphModel": map[string]interface{}{"name": "yamnet"},
			"useGpuForTensorflow":      true,
		})
		So(err, ShouldBeNil)
		_, err = client.invoke(ctx, MethodGenomeEvaluation, req)
		So(err, ShouldBeNil)

		So(r.payloads, ShouldHaveLength, 1)
		params := r.payloads[0].Evaluate
		So(params.ModelURL, ShouldEqual, "file:///models/yamnet")
		So(params.UseGPU, ShouldBeTrue)
		So(params.ClassScoringDurations, ShouldResemble, []float64{0.5, 2, 4})
		So(params.ClassScoringVelocities, ShouldResemble, []float64{0.75})
		So(params.ClassificationGraphModel, ShouldResemble, map[string]interface{}{"name": "yamnet"})
	})

	Convey("random genome requests use snake case fields", t, func() {
		r := &recorder{result: &task.Result{GenomeString: `{"_id":"x"}`}}
		client, _, stop := start(Config{Role: RoleVariation, Dispatcher: r})
		defer stop()

		g, err := client.RandomGenome(ctx, task.RandomParams{
			EvolutionRunID:      "run-9",
			GenerationNumber:    4,
			OneCPPNPerFrequency: true,
		})
		So(err, ShouldBeNil)
		So(g, ShouldEqual, `{"_id":"x"}`)
		params := r.payloads[0].GenerateRandom
		So(params.EvolutionRunID, ShouldEqual, "run-9")
		So(params.GenerationNumber, ShouldEqual, 4)
		So(params.OneCPPNPerFrequency, ShouldBeTrue)
	})
}

func TestNewServer(t *testing.T) {
	Convey("a server needs a role and a dispatcher", t, func() {
		_, err := NewServer(Config{Role: "controller", Dispatcher: &recorder{}})
		So(err, ShouldNotBeNil)
		_, err = NewServer(Config{Role: RoleEvaluation})
		So(err, ShouldNotBeNil)
	})
}

func TestServer_Drain(t *testing.T) {
	ctx := context.Background()
	Convey("a draining instance refuses new calls", t, func() {
		f := serve(Config{Role: RoleVariation, Dispatcher: inProcess()})
		defer f.stop()
		client, srv := f.client, f.srv

		_, err := client.RandomGenome(ctx, task.RandomParams{})
		So(err, ShouldBeNil)
		So(Probe(ctx, "bufnet", f.dialer), ShouldBeNil)

		srv.Drain()
		So(errors.Is(Probe(ctx, "bufnet", f.dialer), ErrNotServing), ShouldBeTrue)
		So(srv.Draining(), ShouldBeTrue)
		_, err = client.RandomGenome(ctx, task.RandomParams{})
		So(status.Code(err), ShouldEqual, codes.Unavailable)
		So(status.Convert(err).Message(), ShouldEqual, ErrInstanceRestart.Error())
		So(Refused(err), ShouldBeTrue)
		_, err = client.GenomeEvaluation(ctx, task.EvaluateParams{GenomeString: "{}"})
		So(status.Code(err), ShouldEqual, codes.Unavailable)
	})
}
