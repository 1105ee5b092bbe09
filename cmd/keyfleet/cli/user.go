package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keyfleet/keyfleet/internal/model"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "user",
		Aliases: []string{"users"},
		Short:   "Manage key owners",
	}

	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserListCmd())

	return cmd
}

func newUserAddCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:     "add <email>",
		Short:   "Add a user keys can be issued for",
		Example: `  keyfleet user add alice@example.com --name "Alice"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserAdd(cmd.Context(), args[0], name)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Display name")

	return cmd
}

func runUserAdd(ctx context.Context, email, name string) error {
	ctx = ensureContext(ctx)
	store, err := openStore(loadSettings())
	if err != nil {
		return err
	}
	defer store.Close()

	u := &model.User{Email: email, DisplayName: name}
	if err := store.CreateUser(ctx, u); err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	fmt.Printf("Added user %s (%s)\n", u.Email, u.ID)
	return nil
}

func newUserListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserList(cmd.Context(), jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runUserList(ctx context.Context, jsonOutput bool) error {
	ctx = ensureContext(ctx)
	store, err := openStore(loadSettings())
	if err != nil {
		return err
	}
	defer store.Close()

	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, users)
	}

	if len(users) == 0 {
		fmt.Println("No users. Use 'keyfleet user add' to create one.")
		return nil
	}

	fmt.Printf("%-36s %-32s %-24s\n", "ID", "EMAIL", "NAME")
	fmt.Printf("%-36s %-32s %-24s\n", "--", "-----", "----")
	for _, u := range users {
		fmt.Printf("%-36s %-32s %-24s\n", u.ID, u.Email, u.DisplayName)
	}
	return nil
}

// ---------- machines ----------

func newMachineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "machine",
		Aliases: []string{"machines"},
		Short:   "Manage machines keys can be bound to",
	}

	cmd.AddCommand(newMachineAddCmd())
	cmd.AddCommand(newMachineListCmd())

	return cmd
}

func newMachineAddCmd() *cobra.Command {
	var (
		user     string
		deviceID string
	)

	cmd := &cobra.Command{
		Use:     "add <hostname>",
		Short:   "Add a machine for a user",
		Example: `  keyfleet machine add web-1 --user alice@example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMachineAdd(cmd.Context(), args[0], user, deviceID)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Owner user ID or email (required)")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Control plane device ID, if already enrolled")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runMachineAdd(ctx context.Context, hostname, userRef, deviceID string) error {
	ctx = ensureContext(ctx)
	store, err := openStore(loadSettings())
	if err != nil {
		return err
	}
	defer store.Close()

	owner, err := resolveUser(ctx, store, userRef)
	if err != nil {
		return err
	}
	m := &model.Machine{UserID: owner.ID, Hostname: hostname, RemoteDeviceID: deviceID}
	if err := store.CreateMachine(ctx, m); err != nil {
		return fmt.Errorf("add machine: %w", err)
	}
	fmt.Printf("Added machine %s (%s) for %s\n", m.Hostname, m.ID, owner.Email)
	return nil
}

func newMachineListCmd() *cobra.Command {
	var (
		user       string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMachineList(cmd.Context(), user, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Only machines of this user ID or email")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runMachineList(ctx context.Context, userRef string, jsonOutput bool) error {
	ctx = ensureContext(ctx)
	store, err := openStore(loadSettings())
	if err != nil {
		return err
	}
	defer store.Close()

	var userID string
	if userRef != "" {
		owner, err := resolveUser(ctx, store, userRef)
		if err != nil {
			return err
		}
		userID = owner.ID
	}

	machines, err := store.ListMachines(ctx, userID)
	if err != nil {
		return fmt.Errorf("list machines: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, machines)
	}

	if len(machines) == 0 {
		fmt.Println("No machines. Use 'keyfleet machine add' to create one.")
		return nil
	}

	fmt.Printf("%-36s %-24s %-36s %-16s\n", "ID", "HOSTNAME", "USER", "LAST SEEN")
	fmt.Printf("%-36s %-24s %-36s %-16s\n", "--", "--------", "----", "---------")
	for _, m := range machines {
		fmt.Printf("%-36s %-24s %-36s %-16s\n", m.ID, m.Hostname, m.UserID, formatTime(m.LastSeen))
	}
	return nil
}
