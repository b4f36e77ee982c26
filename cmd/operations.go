package cmd

import (
	"errors"
	"strings"

	"github.com/kromosynth/dispatcher/pkg/env"
	"github.com/kromosynth/dispatcher/pkg/genome"
	"github.com/kromosynth/dispatcher/pkg/worker"
	"github.com/spf13/viper"
)

var errNoDelegate = errors.New("no genome operations: set --delegate-command or --mock")

func newOperations() (genome.Operations, error) {
	if viper.GetBool(env.Mock) {
		return genome.NewMockOperations(), nil
	}
	command := strings.Fields(viper.GetString(env.DelegateCommand))
	if len(command) == 0 {
		return nil, errNoDelegate
	}
	return genome.NewCommandOperations(command)
}

// workerArgs hands the operations settings down to a worker process
func workerArgs() []string {
	args := []string{"--log-level", viper.GetString(env.LogLevel)}
	if viper.GetBool(env.Mock) {
		return append(args, "--mock")
	}
	return append(args, "--delegate-command", viper.GetString(env.DelegateCommand))
}

// newWorkerClient runs workers as child processes, or as goroutines with --in-process
func newWorkerClient() (*worker.Client, error) {
	opts := worker.Options{Timeout: viper.GetDuration(env.WorkerTimeout)}
	if viper.GetBool(env.InProcess) {
		ops, err := newOperations()
		if err != nil {
			return nil, err
		}
		return worker.NewClient(worker.NewInProcessSpawner(worker.EntryPoint(ops)), opts), nil
	}
	if !viper.GetBool(env.Mock) && viper.GetString(env.DelegateCommand) == "" {
		return nil, errNoDelegate
	}
	command := strings.Fields(viper.GetString(env.WorkerCommand))
	if len(command) == 0 {
		command = worker.SelfCommand(workerArgs()...)
	}
	spawner, err := worker.NewProcessSpawner(command, viper.GetBool(env.WorkerIsolation))
	if err != nil {
		return nil, err
	}
	return worker.NewClient(spawner, opts), nil
}
