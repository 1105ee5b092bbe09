package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newRotateCmd() *cobra.Command {
	var (
		warnDays   int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate keys that are about to expire",
		Long: `Run one rotation sweep: every active key expiring within the warn window is
replaced by a fresh key with the same owner and flags, and the old key is revoked.
Keys outside the window are left alone, so running this repeatedly is safe.`,
		Example: `  keyfleet rotate
  keyfleet rotate --warn-days 14`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRotate(cmd.Context(), warnDays, jsonOutput)
		},
	}

	cmd.Flags().IntVar(&warnDays, "warn-days", 0, "Look-ahead window in days (default rotation.warn_days)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the sweep report as JSON")

	return cmd
}

func runRotate(ctx context.Context, warnDays int, jsonOutput bool) error {
	ctx = ensureContext(ctx)
	settings := loadSettings()
	if warnDays > 0 {
		settings.Rotation.WarnDays = warnDays
	}
	a, err := newApp(settings, newLogger(settings))
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, settings.Rotation.JobTimeout)
	defer cancel()

	started := time.Now()
	report, err := a.keys.RotateIfNecessary(ctx, settings.Rotation.WarnWindow())
	if err != nil {
		return fmt.Errorf("rotation sweep: %w", err)
	}

	if jsonOutput {
		return printJSON(os.Stdout, report)
	}

	fmt.Printf("Scanned %d key(s) expiring within %d day(s) in %s\n",
		report.Scanned, settings.Rotation.WarnDays, time.Since(started).Round(time.Millisecond))
	for _, r := range report.Replacements {
		fmt.Printf("  rotated  %s -> %s\n", r.OldKeyID, r.NewKeyID)
	}
	for _, f := range report.Failures {
		fmt.Printf("  FAILED   %s: %s\n", f.KeyID, f.Error)
	}
	fmt.Printf("Rotated %d, skipped %d, failed %d, remote revoke failures %d\n",
		report.Rotated, report.Skipped, report.Failed, report.RevokeFailures)
	if report.Failed > 0 {
		return fmt.Errorf("%d key(s) could not be rotated", report.Failed)
	}
	return nil
}
