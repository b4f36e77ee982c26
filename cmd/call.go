package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kromosynth/dispatcher/pkg/balancer"
	"github.com/kromosynth/dispatcher/pkg/env"
	"github.com/kromosynth/dispatcher/pkg/registry"
	"github.com/kromosynth/dispatcher/pkg/task"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// callCmd sends one task to a genome service pool, e.g.
//
//	kromosynth-dispatcher call '{"kind":"generate_random","generateRandom":{"evolutionRunId":"r1"}}' --targets node1:50051,node1:50052
var callCmd = &cobra.Command{
	Use:   "call <payload>",
	Short: "Send one task payload to a genome service pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := &task.Payload{}
		if err := json.Unmarshal([]byte(args[0]), payload); err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		ctx := context.Background()
		targets, err := discover(ctx)
		if err != nil {
			return err
		}
		p := balancer.NewPool(targets, nil, viper.GetUint(env.Attempts))
		defer p.Close()
		result, err := p.Dispatch(ctx, payload)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// discover returns the --targets list, or the addresses published under the host info path
func discover(ctx context.Context) ([]string, error) {
	var targets []string
	for _, t := range strings.Split(viper.GetString(env.Targets), ",") {
		if t = strings.TrimSpace(t); t != "" {
			targets = append(targets, t)
		}
	}
	if path := viper.GetString(env.Discover); path != "" {
		entries, err := registry.NewFileRegistry(path).List(ctx, "")
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			targets = append(targets, e.Address)
		}
	}
	if len(targets) == 0 {
		return nil, balancer.ErrNoTarget
	}
	return targets, nil
}

func init() {
	flags := callCmd.Flags()
	flags.String("targets", "", "comma separated host:port list of the pool")
	viper.BindPFlag(env.Targets, flags.Lookup("targets"))
	flags.String("discover", "", "host info path prefix the instances published themselves under")
	viper.BindPFlag(env.Discover, flags.Lookup("discover"))
	flags.Uint("attempts", 3, "instances tried when one is draining or unreachable")
	viper.BindPFlag(env.Attempts, flags.Lookup("attempts"))
}
