package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X github.com/kromosynth/dispatcher/cmd.Version=..."
var Version = "v0.1.0"

type VersionInfo struct {
	DispatcherVersion string
	GoVersion         string
	Compiler          string
	Platform          string
}

func (info *VersionInfo) String() string {
	return "{Dispatcher version: " + info.DispatcherVersion + ", Go version: " +
		info.GoVersion + ", Compiler version: " + info.Compiler + ", Platform: " + info.Platform + "}"
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Version of the dispatcher.",
	Long:  "Version of the dispatcher.",
	Run: func(cmd *cobra.Command, args []string) {
		info := &VersionInfo{
			DispatcherVersion: Version,
			GoVersion:         runtime.Version(),
			Compiler:          runtime.Compiler,
			Platform:          runtime.GOOS + "/" + runtime.GOARCH,
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
	},
}
