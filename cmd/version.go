// SPDX-FileCopyrightText: 2025 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package cmd

import (
	"runtime"
	runtimedebug "runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"nfrelay/common/reporter"
)

// Version contains the current version. It is overridden at link time.
var Version = "dev"

// BuildDate contains the build date. It is overridden at link time.
var BuildDate = "unknown"

func init() {
	RootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Long:  `Display version and build information about nfrelay.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.Printf("nfrelay %s\n", Version)
		cmd.Printf("  Built with: %s\n", runtime.Version())
		if info, ok := runtimedebug.ReadBuildInfo(); ok {
			for _, setting := range info.Settings {
				if strings.HasPrefix(setting.Key, "GO") {
					cmd.Printf("  Build setting %s=%s\n", setting.Key, setting.Value)
				}
			}
		}
		return nil
	},
}

func versionMetrics(r *reporter.Reporter) {
	r.GaugeVec(reporter.GaugeOpts{
		Name: "info",
		Help: "nfrelay build information",
	}, []string{"version", "compiler"}).
		WithLabelValues(Version, runtime.Version()).Set(1)
}
