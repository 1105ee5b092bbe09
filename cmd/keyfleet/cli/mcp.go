package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	kmcp "github.com/keyfleet/keyfleet/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes key management
as tools for AI agents. Supports stdio (default) and Streamable HTTP transports.

In stdio mode the server speaks JSON-RPC over stdin/stdout, suitable for MCP
clients that launch keyfleet as a subprocess. Logs go to stderr.`,
		Example: `  keyfleet mcp                              # stdio mode
  keyfleet mcp --transport http --addr :8001  # Streamable HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP()
		},
	}

	cmd.Flags().String("transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().String("addr", ":8001", "HTTP listen address (only used with --transport http)")

	viper.BindPFlag("mcp.transport", cmd.Flags().Lookup("transport"))
	viper.BindPFlag("mcp.addr", cmd.Flags().Lookup("addr"))

	return cmd
}

func runMCP() error {
	settings := loadSettings()
	logger := newLogger(settings)

	a, err := newApp(settings, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := kmcp.NewMCPServer(a.keys, a.store, settings.Rotation.WarnWindow(), versionString(), logger)

	switch settings.MCP.Transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		return mcpSrv.ServeHTTP(settings.MCP.Addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", settings.MCP.Transport)
	}
}
