package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kromosynth/dispatcher/pkg/balancer"
	"github.com/kromosynth/dispatcher/pkg/env"
	api "github.com/kromosynth/dispatcher/pkg/http"
	"github.com/kromosynth/dispatcher/pkg/pool"
	"github.com/kromosynth/dispatcher/pkg/rpc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Supervise the service pools of an ecosystem file",
	Long: "Starts every app of the ecosystem file as a pool of instances on consecutive ports, " +
		"restarts them on their cron schedule, above their memory ceiling and when they crash.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPools()
	},
}

// routerFor balances the admin dispatch route over the genome service pools
func routerFor(eco *pool.Ecosystem) *balancer.Router {
	pools := map[rpc.Role]*balancer.Pool{}
	for i := range eco.Apps {
		app := &eco.Apps[i]
		role := rpc.Role(app.Role)
		if !role.Valid() {
			continue
		}
		ports, err := app.Ports()
		if err != nil || len(ports) == 0 {
			continue
		}
		pools[role] = balancer.NewPool(balancer.Targets("127.0.0.1", ports), nil, uint(len(ports)))
	}
	return balancer.NewRouter(pools)
}

func runPools() error {
	eco, err := pool.LoadEcosystem(viper.GetString(env.EcosystemFile))
	if err != nil {
		return err
	}
	m, err := pool.NewManager(eco, pool.Options{
		SampleEvery:  viper.GetDuration(env.MemorySampleEvery),
		DrainGrace:   viper.GetDuration(env.PoolDrainGrace),
		ReadyTimeout: viper.GetDuration(env.ReadyTimeout),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		sig := <-signals
		zap.S().Infow("stopping pools", "signal", sig)
		cancel()
	}()

	router := routerFor(eco)
	defer router.Close()
	startAdmin(ctx, viper.GetInt(env.PoolAdminPort), api.Routes{Dispatcher: router, Pools: m, Profiling: true})

	return m.Run(ctx)
}

func init() {
	flags := poolCmd.Flags()
	flags.StringP("ecosystem", "f", "ecosystem.yaml", "ecosystem file with the pool definitions")
	viper.BindPFlag(env.EcosystemFile, flags.Lookup("ecosystem"))
	flags.Int("admin-port", 9090, "admin http port, off when 0")
	viper.BindPFlag(env.PoolAdminPort, flags.Lookup("admin-port"))
	flags.Duration("memory-sample-every", 5*time.Second, "how often resident memory is sampled")
	viper.BindPFlag(env.MemorySampleEvery, flags.Lookup("memory-sample-every"))
	flags.Duration("drain-grace", 30*time.Second, "time a draining instance gets before it is killed")
	viper.BindPFlag(env.PoolDrainGrace, flags.Lookup("drain-grace"))
	flags.Duration("ready-timeout", time.Minute, "time an instance gets to accept calls after launch")
	viper.BindPFlag(env.ReadyTimeout, flags.Lookup("ready-timeout"))
}
