package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/keyfleet/keyfleet/internal/config"
)

var (
	cfgFile    string
	devMode    bool
	appVersion string // set in Execute, reported by serve and mcp
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyfleet",
		Short: "Issue, rotate and revoke tailnet auth keys",
		Long: `keyfleet keeps every user and machine supplied with a valid tailnet auth key.

It mints keys through the control plane API, stores them encrypted, rotates them
before they expire and revokes the superseded ones. Keys can be managed from this
CLI, the HTTP API served by 'keyfleet serve', or the built-in MCP server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./keyfleet.yaml or ~/.keyfleet/keyfleet.yaml)")
	cmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Enable debug logging")
	cmd.PersistentFlags().String("db-driver", "", "Key store driver: sqlite, postgres or mysql")
	cmd.PersistentFlags().String("db-dsn", "", "Key store DSN (sqlite: data directory)")

	viper.BindPFlag("database.driver", cmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", cmd.PersistentFlags().Lookup("db-dsn"))

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newRotateCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newMachineCmd())
	cmd.AddCommand(newDeviceCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("keyfleet")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.keyfleet")
	}

	config.SetDefaults(viper.GetViper())
	viper.SetEnvPrefix("KEYFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
