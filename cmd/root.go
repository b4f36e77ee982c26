package cmd

import (
	"github.com/kromosynth/dispatcher/pkg/env"
	"github.com/kromosynth/dispatcher/pkg/tools/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "kromosynth-dispatcher",
	Short: "Genome worker dispatch and service pools",
	Long: "Runs genome variation and evaluation services, every task in a fresh worker process, " +
		"and supervises pools of them.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return log.SetLevel(viper.GetString(env.LogLevel))
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	viper.AutomaticEnv()
	// exact names, AutomaticEnv would look for upper case ones
	_ = viper.BindEnv(env.PMID, env.PMID)
	_ = viper.BindEnv(env.SlurmJobID, env.SlurmJobID)
	if file := viper.GetString(env.ConfigFile); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			zap.S().Warnw("config file not read", "file", file, "err", err)
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file, any format viper reads")
	viper.BindPFlag(env.ConfigFile, flags.Lookup("config"))
	flags.StringP("log-level", "l", "info", "log level")
	viper.BindPFlag(env.LogLevel, flags.Lookup("log-level"))
	flags.String("trace-agent", "", "jaeger agent host:port, tracing is off when empty")
	viper.BindPFlag(env.TraceAgentHostPort, flags.Lookup("trace-agent"))
	flags.Bool("mock", false, "use the built-in mock genome operations")
	viper.BindPFlag(env.Mock, flags.Lookup("mock"))
	flags.String("delegate-command", "", "command line of the genome operations bridge")
	viper.BindPFlag(env.DelegateCommand, flags.Lookup("delegate-command"))

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(callCmd)
}
