package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	kmcp "github.com/keyfleet/keyfleet/internal/mcp"
	"github.com/keyfleet/keyfleet/internal/scheduler"
	"github.com/keyfleet/keyfleet/internal/server"
)

const banner = `
 _  _______   _______ _     _____ _____ _____
| |/ / ____\ \ / /  ___| |   | ____| ____|_   _|
| ' /|  _|  \ V /| |_  | |   |  _| |  _|   | |
| . \| |___  | | |  _| | |___| |___| |___  | |
|_|\_\_____| |_| |_|   |_____|_____|_____| |_|
`

func newServeCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the rotation scheduler",
		Long: `Start the HTTP API and the background rotation scheduler. Every
rotation.interval_minutes the scheduler replaces keys expiring within
rotation.warn_days and revokes the keys they supersede.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), noScheduler)
		},
	}

	cmd.Flags().IntP("port", "p", 8000, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().Bool("allow-reveal", false, "Serve plaintext keys on /secret and /agent/key")
	cmd.Flags().Bool("mcp", false, "Mount the MCP Streamable HTTP endpoint on /mcp")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without rotating keys")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))
	viper.BindPFlag("server.allow_reveal", cmd.Flags().Lookup("allow-reveal"))
	viper.BindPFlag("server.mcp", cmd.Flags().Lookup("mcp"))

	return cmd
}

func runServe(parent context.Context, noScheduler bool) error {
	ctx, stop := signal.NotifyContext(ensureContext(parent), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := loadSettings()
	logger := newLogger(settings)

	a, err := newApp(settings, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	logger.Info("key store opened", "driver", a.store.Driver())

	deps := server.Deps{
		Keys:      a.keys,
		Directory: a.store,
		Store:     a.store,
		Metrics:   a.metrics,
		Gatherer:  a.registry,
	}

	var sched *scheduler.Scheduler
	if !noScheduler {
		sched = scheduler.New(a.keys, scheduler.Options{
			Interval:   settings.Rotation.Interval(),
			JobTimeout: settings.Rotation.JobTimeout,
			WarnWindow: settings.Rotation.WarnWindow(),
			RunOnStart: settings.Rotation.RunOnStart,
			Store:      a.store,
			Logger:     logger,
		})
		deps.Rotation = sched
	}

	if viper.GetBool("server.mcp") {
		deps.MCP = kmcp.NewMCPServer(a.keys, a.store, settings.Rotation.WarnWindow(), versionString(), logger).Handler()
	}

	srvCfg := server.Config{
		Host:            settings.Server.Host,
		Port:            settings.Server.Port,
		ShutdownTimeout: settings.Server.ShutdownTimeout,
		CORSOrigins:     settings.Server.CORSOrigins,
		RateLimit:       settings.Server.RateLimit,
		AllowReveal:     settings.Server.AllowReveal,
		Version:         versionString(),
	}
	srv := server.New(srvCfg, deps, logger)

	fmt.Print(banner)
	fmt.Println()
	fmt.Printf("→ keyfleet %s\n", versionString())
	fmt.Printf("→ Listening on http://%s\n", srv.Addr())
	fmt.Printf("→ OpenAPI:    http://%s/openapi.json\n", srv.Addr())
	fmt.Printf("→ Metrics:    http://%s/metrics\n", srv.Addr())
	fmt.Printf("→ Tailnet:    %s\n", a.client.Tailnet())
	if sched != nil {
		fmt.Printf("→ Rotation:   every %s, warn window %s\n", settings.Rotation.Interval(), settings.Rotation.WarnWindow())
	}
	if names := a.notifier.Providers(); len(names) > 0 {
		fmt.Printf("→ Notify:     %v\n", names)
	}
	fmt.Println()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if sched != nil {
		sched.Start()
		g.Go(func() error {
			<-gctx.Done()
			sched.Shutdown()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
