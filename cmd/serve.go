package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kromosynth/dispatcher/pkg/env"
	api "github.com/kromosynth/dispatcher/pkg/http"
	"github.com/kromosynth/dispatcher/pkg/registry"
	"github.com/kromosynth/dispatcher/pkg/rpc"
	"github.com/kromosynth/dispatcher/pkg/trace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	defaultProcessTitle = "kromosynth-gRPC"
	jobPlaceholder      = "localscratch/<job-ID>"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a genome service instance",
	Long: "Serves the genome rpc service of one role. Every call runs in a fresh worker. " +
		"SIGTERM drains the instance, SIGINT exits at once.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

// modelURL substitutes the slurm job of this instance into a localscratch model url
func modelURL() string {
	u := viper.GetString(env.ModelURL)
	if strings.Contains(u, "localscratch") {
		job := viper.GetString(env.SlurmJobID)
		zap.S().Infow("replacing job placeholder in model url", "job", job)
		u = strings.Replace(u, jobPlaceholder, "localscratch/"+job, 1)
	}
	return u
}

func advertisedHost() string {
	if host := viper.GetString(env.Host); host != "" {
		return host
	}
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

// newRegistry returns where this instance publishes its address, nil when it does not
func newRegistry(hostInfoPath string) registry.Registry {
	switch viper.GetString(env.RegistryBackend) {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     viper.GetString(env.RedisAddr),
			Password: viper.GetString(env.RedisPassword),
			DB:       viper.GetInt(env.DefaultDb),
		})
		return registry.NewRedisRegistry(client, viper.GetDuration(env.RegistryTTL))
	default:
		if hostInfoPath == "" {
			return nil
		}
		return registry.NewFileRegistry(hostInfoPath)
	}
}

func serve() error {
	role := rpc.Role(viper.GetString(env.Role))
	title := viper.GetString(env.ProcessTitle)
	if title == "" {
		title = defaultProcessTitle
	}
	if closer, err := trace.TraceInit(title); err != nil {
		zap.S().Warnw("trace init error", "err", err)
	} else if closer != nil {
		defer closer.Close()
	}

	client, err := newWorkerClient()
	if err != nil {
		return err
	}
	model := modelURL()
	srv, err := rpc.NewServer(rpc.Config{Role: role, ModelURL: model, Dispatcher: client})
	if err != nil {
		return err
	}

	port := viper.GetInt(env.Port)
	hostInfoPath := viper.GetString(env.HostInfoFilePath)
	if hostInfoPath != "" {
		hostInfoPath = registry.HostInfoPath(hostInfoPath, viper.GetString(env.PMID))
		if port, err = registry.PortForPath(hostInfoPath); err != nil {
			return err
		}
	}
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	entry := registry.Entry{
		Role:    string(role),
		Address: fmt.Sprintf("%s:%d", advertisedHost(), port),
		PID:     os.Getpid(),
		Started: time.Now(),
	}
	if slot, err := strconv.Atoi(viper.GetString(env.PMID)); err == nil {
		entry.Slot = slot
	}
	if reg := newRegistry(hostInfoPath); reg != nil {
		if keeper, ok := reg.(*registry.RedisRegistry); ok {
			go func() {
				if err := keeper.Keep(ctx, entry); err != nil {
					zap.S().Errorw("registry error", "err", err)
				}
			}()
		} else {
			if err := reg.Register(ctx, entry); err != nil {
				return err
			}
			defer reg.Deregister(context.Background(), entry)
		}
	}

	startAdmin(ctx, viper.GetInt(env.AdminPort), api.Routes{Dispatcher: client, Profiling: true})

	zap.S().Infow("genome service starting", "role", role, "title", title, "port", port,
		"address", entry.Address, "modelUrl", model)
	gs := rpc.NewGRPCServer()
	srv.Register(gs)
	return rpc.ServeUntil(ctx, lis, gs, srv, viper.GetDuration(env.DrainGrace))
}

// handleSignals drains on SIGTERM, SIGINT exits at once with status 1
func handleSignals(drain context.CancelFunc) {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	for sig := range signals {
		if sig == syscall.SIGINT {
			zap.S().Infow("interrupted")
			_ = zap.S().Sync()
			os.Exit(1)
		}
		zap.S().Infow("draining", "signal", sig)
		drain()
	}
}

func init() {
	flags := serveCmd.Flags()
	flags.IntP("port", "p", 50051, "listening port, PORT from the environment overrides the default")
	viper.BindPFlag(env.Port, flags.Lookup("port"))
	flags.String("host", "", "host name published in host info, the machine name when empty")
	viper.BindPFlag(env.Host, flags.Lookup("host"))
	flags.String("role", string(rpc.RoleVariation), "service role, variation or evaluation")
	viper.BindPFlag(env.Role, flags.Lookup("role"))
	flags.String("model-url", "", "classification model url handed to every evaluation")
	viper.BindPFlag(env.ModelURL, flags.Lookup("model-url"))
	flags.String("process-title", defaultProcessTitle, "name of this instance in logs and traces")
	viper.BindPFlag(env.ProcessTitle, flags.Lookup("process-title"))
	flags.Bool("in-process", false, "run tasks in goroutines instead of worker processes")
	viper.BindPFlag(env.InProcess, flags.Lookup("in-process"))
	flags.String("worker-command", "", "worker command line, this binary's worker command when empty")
	viper.BindPFlag(env.WorkerCommand, flags.Lookup("worker-command"))
	flags.Duration("worker-timeout", 0, "kill a worker that has not answered in time, 0 waits forever")
	viper.BindPFlag(env.WorkerTimeout, flags.Lookup("worker-timeout"))
	flags.Bool("worker-isolation", false, "run workers in their own namespaces (linux)")
	viper.BindPFlag(env.WorkerIsolation, flags.Lookup("worker-isolation"))
	flags.Duration("drain-grace", 30*time.Second, "time calls in flight get after SIGTERM")
	viper.BindPFlag(env.DrainGrace, flags.Lookup("drain-grace"))
	flags.Int("admin-port", 0, "admin http port, off when 0")
	viper.BindPFlag(env.AdminPort, flags.Lookup("admin-port"))
	flags.String("host-info-file-path", "", "publish host:port to this file, the port is derived from the path")
	viper.BindPFlag(env.HostInfoFilePath, flags.Lookup("host-info-file-path"))
	flags.String("registry", "file", "where to publish the instance: file or redis")
	viper.BindPFlag(env.RegistryBackend, flags.Lookup("registry"))
	flags.String("redis-addr", "localhost:6379", "redis address of the redis registry")
	viper.BindPFlag(env.RedisAddr, flags.Lookup("redis-addr"))
	flags.String("redis-password", "", "redis password of the redis registry")
	viper.BindPFlag(env.RedisPassword, flags.Lookup("redis-password"))
	flags.Int("redis-db", 0, "redis db of the redis registry")
	viper.BindPFlag(env.DefaultDb, flags.Lookup("redis-db"))
	flags.Duration("registry-ttl", 30*time.Second, "expiry of a redis registry entry")
	viper.BindPFlag(env.RegistryTTL, flags.Lookup("registry-ttl"))
}
