package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keyfleet/keyfleet/internal/model"
)

func newDeviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "device",
		Aliases: []string{"devices"},
		Short:   "Inspect devices enrolled in the tailnet",
	}

	cmd.AddCommand(newDeviceListCmd())

	return cmd
}

func newDeviceListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List devices reported by the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceList(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runDeviceList(ctx context.Context, jsonOutput bool) error {
	ctx = ensureContext(ctx)
	settings := loadSettings()
	a, err := newApp(settings, newLogger(settings))
	if err != nil {
		return err
	}
	defer a.Close()

	devices, err := a.keys.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, devices)
	}

	if len(devices) == 0 {
		fmt.Println("No devices enrolled.")
		return nil
	}

	fmt.Printf("%-20s %-24s %-10s %-18s %-16s\n", "ID", "HOSTNAME", "OS", "ADDRESS", "LAST SEEN")
	fmt.Printf("%-20s %-24s %-10s %-18s %-16s\n", "--", "--------", "--", "-------", "---------")
	for _, d := range devices {
		addr := "-"
		if len(d.Addresses) > 0 {
			addr = d.Addresses[0]
		}
		fmt.Printf("%-20s %-24s %-10s %-18s %-16s\n", d.ID, d.Hostname, d.OS, addr, formatTime(d.LastSeen))
	}
	return nil
}

// ---------- events ----------

func newEventsCmd() *cobra.Command {
	var (
		user       string
		keyID      string
		typ        string
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the key audit log",
		Example: `  keyfleet events --type KEY_ROTATED
  keyfleet events --user alice@example.com --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd.Context(), user, keyID, typ, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Only events of this user ID or email")
	cmd.Flags().StringVar(&keyID, "key", "", "Only events of this key ID")
	cmd.Flags().StringVar(&typ, "type", "", "Only events of this type (KEY_CREATED, KEY_ROTATED, KEY_REVOKED)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runEvents(ctx context.Context, userRef, keyID, typ string, limit int, jsonOutput bool) error {
	ctx = ensureContext(ctx)
	store, err := openStore(loadSettings())
	if err != nil {
		return err
	}
	defer store.Close()

	filter := model.EventFilter{KeyID: keyID, Type: model.EventType(strings.ToUpper(typ)), Limit: limit}
	switch filter.Type {
	case "", model.EventKeyCreated, model.EventKeyRotated, model.EventKeyRevoked:
	default:
		return fmt.Errorf("unknown event type %q", typ)
	}
	if userRef != "" {
		owner, err := resolveUser(ctx, store, userRef)
		if err != nil {
			return err
		}
		filter.OwnerUserID = owner.ID
	}

	events, err := store.ListEvents(ctx, filter)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, events)
	}

	if len(events) == 0 {
		fmt.Println("No events.")
		return nil
	}

	for _, e := range events {
		fmt.Printf("%s  %-12s %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Type, e.Message)
	}
	return nil
}
