package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfleet/keyfleet/internal/config"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"keys"},
		Short:   "Manage tailnet auth keys",
		Long:    "Issue, list, inspect, reveal and revoke the auth keys keyfleet manages.",
	}

	cmd.AddCommand(newKeyIssueCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyRevealCmd())

	return cmd
}

// resolveUser accepts either a user ID or an email address.
func resolveUser(ctx context.Context, store *config.Store, ref string) (*model.User, error) {
	if strings.Contains(ref, "@") {
		u, err := store.GetUserByEmail(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", ref, err)
		}
		return u, nil
	}
	u, err := store.GetUser(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", ref, err)
	}
	return u, nil
}

// ---------- key issue ----------

func newKeyIssueCmd() *cobra.Command {
	var (
		user          string
		machine       string
		description   string
		ttlDays       int
		reusable      bool
		ephemeral     bool
		preauthorized bool
		tags          []string
		jsonOutput    bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new auth key",
		Long:  "Create an auth key on the control plane for a user, optionally bound to one of the user's machines.",
		Example: `  keyfleet key issue --user alice@example.com --tag tag:server
  keyfleet key issue --user alice@example.com --machine <machine-id> --ttl-days 7 --reusable=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyIssue(cmd.Context(), user, service.IssueKeyRequest{
				OwnerMachineID: machine,
				Description:    description,
				TTLSeconds:     int64(ttlDays) * int64(24*time.Hour/time.Second),
				Reusable:       reusable,
				Ephemeral:      ephemeral,
				Preauthorized:  preauthorized,
				Tags:           tags,
			}, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Owner user ID or email (required)")
	cmd.Flags().StringVar(&machine, "machine", "", "Bind the key to this machine ID")
	cmd.Flags().StringVar(&description, "description", "", "Description shown on the control plane")
	cmd.Flags().IntVar(&ttlDays, "ttl-days", 0, "Key lifetime in days (default rotation.default_ttl_days)")
	cmd.Flags().BoolVar(&reusable, "reusable", true, "Allow the key to enroll several devices")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Enrolled devices are removed when they go offline")
	cmd.Flags().BoolVar(&preauthorized, "preauthorized", true, "Enrolled devices need no manual approval")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "ACL tag of the form tag:<name> (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runKeyIssue(ctx context.Context, userRef string, req service.IssueKeyRequest, jsonOutput bool) error {
	ctx = ensureContext(ctx)
	settings := loadSettings()
	a, err := newApp(settings, newLogger(settings))
	if err != nil {
		return err
	}
	defer a.Close()

	owner, err := resolveUser(ctx, a.store, userRef)
	if err != nil {
		return err
	}
	req.OwnerUserID = owner.ID

	key, err := a.keys.IssueKey(ctx, req)
	if err != nil {
		return fmt.Errorf("issue key: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, key)
	}

	fmt.Println("Auth key issued:")
	fmt.Println()
	fmt.Printf("  ID:      %s\n", key.ID)
	fmt.Printf("  Remote:  %s\n", key.RemoteKeyID)
	fmt.Printf("  Owner:   %s\n", owner.Email)
	fmt.Printf("  Key:     %s\n", key.MaskedValue)
	fmt.Printf("  Expires: %s\n", formatTime(key.ExpiresAt))
	fmt.Println()
	fmt.Println("  Use 'keyfleet key reveal " + key.ID + "' to print the full key.")
	return nil
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		user       string
		activeOnly bool
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored auth keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(cmd.Context(), user, activeOnly, limit, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Only keys of this user ID or email")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active keys")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of keys")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyList(ctx context.Context, userRef string, activeOnly bool, limit int, jsonOutput bool) error {
	ctx = ensureContext(ctx)
	store, err := openStore(loadSettings())
	if err != nil {
		return err
	}
	defer store.Close()

	filter := model.KeyFilter{ActiveOnly: activeOnly, Limit: limit}
	if userRef != "" {
		owner, err := resolveUser(ctx, store, userRef)
		if err != nil {
			return err
		}
		filter.OwnerUserID = owner.ID
	}

	keys, err := store.ListAuthKeys(ctx, filter)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, keys)
	}

	if len(keys) == 0 {
		fmt.Println("No auth keys stored. Use 'keyfleet key issue' to create one.")
		return nil
	}

	now := time.Now()
	fmt.Printf("%-36s %-14s %-20s %-8s %-16s\n", "ID", "REMOTE", "KEY", "STATE", "EXPIRES")
	fmt.Printf("%-36s %-14s %-20s %-8s %-16s\n", "--", "------", "---", "-----", "-------")
	for i := range keys {
		k := &keys[i]
		fmt.Printf("%-36s %-14s %-20s %-8s %-16s\n",
			k.ID, k.RemoteKeyID, tail(k.MaskedValue, 20), k.State(now), formatTime(k.ExpiresAt))
	}
	return nil
}

// tail shortens masked values to their last n characters for tables.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ---------- key show ----------

func newKeyShowCmd() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "show <key-id>",
		Short: "Show one stored auth key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyShow(cmd.Context(), args[0], events)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "Include the key's audit events")

	return cmd
}

func runKeyShow(ctx context.Context, id string, withEvents bool) error {
	ctx = ensureContext(ctx)
	store, err := openStore(loadSettings())
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := store.GetAuthKey(ctx, id)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return fmt.Errorf("auth key %q not found", id)
		}
		return err
	}

	out := map[string]interface{}{
		"key":   key,
		"state": key.State(time.Now()),
	}
	if withEvents {
		events, err := store.ListEvents(ctx, model.EventFilter{KeyID: id})
		if err != nil {
			return fmt.Errorf("list events: %w", err)
		}
		out["events"] = events
	}
	return printJSON(os.Stdout, out)
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an auth key",
		Long:  "Revoke an auth key on the control plane and mark it revoked locally. Devices already enrolled stay enrolled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRevoke(cmd.Context(), args[0])
		},
	}

	return cmd
}

func runKeyRevoke(ctx context.Context, id string) error {
	ctx = ensureContext(ctx)
	settings := loadSettings()
	a, err := newApp(settings, newLogger(settings))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.keys.RevokeKey(ctx, id); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	fmt.Printf("Revoked auth key %s\n", id)
	return nil
}

// ---------- key reveal ----------

func newKeyRevealCmd() *cobra.Command {
	var (
		user    string
		machine string
	)

	cmd := &cobra.Command{
		Use:   "reveal [key-id]",
		Short: "Print the plaintext of an auth key",
		Long: `Decrypt and print a stored auth key. With --user instead of a key ID, print the
current key of that owner, which is what an enrolment script should join with.`,
		Example: `  keyfleet key reveal 0190b0c4-...
  tailscale up --auth-key "$(keyfleet key reveal --user alice@example.com)"`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id string
			if len(args) == 1 {
				id = args[0]
			}
			if (id == "") == (user == "") {
				return errors.New("pass either a key ID or --user")
			}
			return runKeyReveal(cmd.Context(), id, user, machine)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Reveal the current key of this user ID or email")
	cmd.Flags().StringVar(&machine, "machine", "", "With --user, the machine-scoped key of this machine ID")

	return cmd
}

func runKeyReveal(ctx context.Context, id, userRef, machineID string) error {
	ctx = ensureContext(ctx)
	settings := loadSettings()
	a, err := newApp(settings, newLogger(settings))
	if err != nil {
		return err
	}
	defer a.Close()

	var plain string
	if id != "" {
		plain, err = a.keys.RevealKey(ctx, id)
	} else {
		var owner *model.User
		if owner, err = resolveUser(ctx, a.store, userRef); err != nil {
			return err
		}
		_, plain, err = a.keys.RevealCurrentKey(ctx, owner.ID, machineID)
	}
	if err != nil {
		return fmt.Errorf("reveal key: %w", err)
	}
	fmt.Println(plain)
	return nil
}

// ensureContext returns ctx, or a background context when cobra ran the
// command without one.
func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
