package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/harvester/internal/oaipmh"
)

// Set with -ldflags at release time. Builds without them fall back to the
// VCS stamps Go embeds in the binary.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the harvester version, the build it came from and the OAI-PMH
protocol version and User-Agent it harvests with.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, Version)
			return
		}
		commit, built := buildStamp()
		fmt.Fprintln(out, "OAI-PMH harvester")
		fmt.Fprintf(out, "Version:    %s\n", Version)
		fmt.Fprintf(out, "Git commit: %s\n", commit)
		fmt.Fprintf(out, "Build date: %s\n", built)
		fmt.Fprintf(out, "Protocol:   OAI-PMH 2.0 (%s)\n", oaipmh.OAINamespaceURI)
		fmt.Fprintf(out, "User-Agent: %s\n", oaipmh.DefaultUserAgent)
		fmt.Fprintf(out, "Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "print the version number only")
}

// buildStamp prefers the ldflags values and falls back to vcs.revision and
// vcs.time from the embedded build info.
func buildStamp() (commit, built string) {
	commit, built = GitCommit, BuildDate
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, built
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && commit == "unknown":
			commit = s.Value
		case s.Key == "vcs.time" && built == "unknown":
			built = s.Value
		}
	}
	return commit, built
}
