package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/secret"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage keyfleet configuration",
		Long:  "Initialize a configuration file or display the current effective configuration.",
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

// ---------- config init ----------

func newConfigInitCmd() *cobra.Command {
	var (
		path     string
		force    bool
		clientID string
		tailnet  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a keyfleet.yaml with a fresh encryption key",
		Long: `Write a configuration file with defaults and a newly generated encryption key.
When stdin is a terminal the OAuth client secret is prompted for; otherwise set
KEYFLEET_CONTROLPLANE_CLIENT_SECRET.

With --force an existing file is rewritten but its values, including the
encryption key, are kept. Replacing the encryption key would make every stored
auth key unreadable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(path, force, clientID, tailnet)
		},
	}

	cmd.Flags().StringVar(&path, "path", "keyfleet.yaml", "Where to write the config file")
	cmd.Flags().BoolVar(&force, "force", false, "Rewrite an existing config file")
	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID")
	cmd.Flags().StringVar(&tailnet, "tailnet", "", "Tailnet name (default '-', the client's own tailnet)")

	return cmd
}

func runConfigInit(path string, force bool, clientID, tailnet string) error {
	settings := config.DefaultSettings()
	if _, err := os.Stat(path); err == nil {
		if !force {
			return fmt.Errorf("%s already exists (use --force to rewrite it)", path)
		}
		existing, err := config.LoadYAMLConfig(path)
		if err != nil {
			return err
		}
		settings = existing
	}

	if clientID != "" {
		settings.ControlPlane.ClientID = clientID
	}
	if tailnet != "" {
		settings.ControlPlane.Tailnet = tailnet
	}
	if settings.EncryptionKey == "" {
		key, err := secret.GenerateKey()
		if err != nil {
			return fmt.Errorf("generate encryption key: %w", err)
		}
		settings.EncryptionKey = key
	}
	if settings.ControlPlane.ClientSecret == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		secretValue, err := promptSecret("OAuth client secret (empty to skip): ")
		if err != nil {
			return err
		}
		settings.ControlPlane.ClientSecret = secretValue
	}

	if err := config.WriteConfig(path, settings); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	fmt.Println("Keep this file private: it holds the key that decrypts every stored auth key.")
	if settings.ControlPlane.ClientID == "" || settings.ControlPlane.ClientSecret == "" {
		fmt.Println("Set controlplane.client_id and controlplane.client_secret before running 'keyfleet serve'.")
	}
	return nil
}

// promptSecret reads a line from the terminal without echoing it.
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// ---------- config show ----------

func newConfigShowCmd() *cobra.Command {
	var validate bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(validate)
		},
	}

	cmd.Flags().BoolVar(&validate, "validate", false, "Also check that the configuration can run the server")

	return cmd
}

func runConfigShow(validate bool) error {
	configFile := viper.ConfigFileUsed()
	if configFile != "" {
		fmt.Printf("# Config file: %s\n", configFile)
	} else {
		fmt.Println("# Config file: (none found, using defaults and environment)")
	}

	settings := loadSettings()
	out, err := config.MarshalYAML(settings.Redacted())
	if err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	w.Write(out)
	w.Flush()

	if validate {
		if err := settings.Validate(); err != nil {
			return fmt.Errorf("configuration is not valid:\n%w", err)
		}
		fmt.Println("# Configuration is valid.")
	}
	return nil
}
