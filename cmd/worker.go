package cmd

import (
	"context"
	"os"

	"github.com/kromosynth/dispatcher/pkg/tools/log"
	"github.com/kromosynth/dispatcher/pkg/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	requestFd  = 3
	responseFd = 4
)

// workerCmd is what a service instance spawns for every task: one payload in on fd 3,
// one result out on fd 4, then exit
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run a single genome task",
	Hidden: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.UseStderr()
		return rootCmd.PersistentPreRunE(cmd, args)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := runWorker(); err != nil {
			zap.S().Errorw("worker failed", "err", err)
			_ = zap.S().Sync()
			os.Exit(1)
		}
	},
}

func runWorker() error {
	ops, err := newOperations()
	if err != nil {
		return err
	}
	request := os.NewFile(requestFd, "request")
	response := os.NewFile(responseFd, "response")
	defer request.Close()
	defer response.Close()
	return worker.Serve(context.Background(), request, response, ops)
}
