package cli

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/controlplane"
)

// buildInfo describes the running binary and what it can talk to.
type buildInfo struct {
	Version      string   `json:"version"`
	Commit       string   `json:"commit"`
	Built        string   `json:"built"`
	Modified     bool     `json:"modified,omitempty"`
	GoVersion    string   `json:"go_version"`
	Platform     string   `json:"platform"`
	ControlPlane string   `json:"control_plane_api"`
	Drivers      []string `json:"store_drivers"`
}

// collectBuildInfo fills commit and build time from the embedded VCS stamp
// when they were not set through ldflags.
func collectBuildInfo(version, commit, date string) buildInfo {
	info := buildInfo{
		Version:      version,
		Commit:       commit,
		Built:        date,
		GoVersion:    runtime.Version(),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
		ControlPlane: controlplane.DefaultBaseURL,
		Drivers:      []string{config.DriverSQLite, config.DriverPostgres, config.DriverMySQL},
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" || info.Commit == "none" {
				info.Commit = s.Value
			}
		case "vcs.time":
			if info.Built == "" || info.Built == "unknown" {
				info.Built = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}
	return info
}

func (b buildInfo) print(w io.Writer) {
	commit := b.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if b.Modified {
		commit += " (modified)"
	}
	fmt.Fprintf(w, "keyfleet %s\n", b.Version)
	fmt.Fprintf(w, "  commit:        %s\n", commit)
	fmt.Fprintf(w, "  built:         %s\n", b.Built)
	fmt.Fprintf(w, "  go:            %s (%s)\n", b.GoVersion, b.Platform)
	fmt.Fprintf(w, "  control plane: %s\n", b.ControlPlane)
	fmt.Fprintf(w, "  stores:        %v\n", b.Drivers)
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build and compatibility information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := collectBuildInfo(version, commit, date)
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), info)
			}
			info.print(cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output build info as JSON")

	return cmd
}
