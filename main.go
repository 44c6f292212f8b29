package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"via.live/data"
	"via.live/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "via",
		Short:        "Via: real-time route sharing server",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(newServeCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the route sharing server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	flags := cmd.Flags()
	flags.String("address", ":3000", "listen address")
	flags.String("data-dir", ".", "directory for the route log and audit log")
	flags.Duration("route-ttl", 24*time.Hour, "how long stored routes live")
	flags.String("admin-token", "", "token required by the /clean endpoint")
	flags.String("secret", "", "signing secret for resume tokens")

	viper.BindPFlags(flags)
	viper.SetEnvPrefix("via")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("via")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/via")

	return cmd
}

func serve() error {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("reading config: %w", err)
		}
	}

	dataDir := viper.GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}

	routes, err := data.OpenRouteLog(filepath.Join(dataDir, "routes.db"), viper.GetDuration("route-ttl"))
	if err != nil {
		return fmt.Errorf("opening route log: %w", err)
	}
	defer routes.Close()

	audit, err := data.NewEventLog(filepath.Join(dataDir, "events.jsonl"))
	if err != nil {
		log.Printf("[main] audit log unavailable: %v", err)
		audit = nil
	}
	defer audit.Close()

	secret := viper.GetString("secret")
	if len(secret) == 0 {
		// ephemeral secret: identities won't survive a server restart
		secret = server.RandomSecret()
		log.Printf("[main] no signing secret configured, using an ephemeral one")
	}

	srv := server.New(routes, audit)
	handler := server.NewHandler(srv, routes, server.NewResumeTokens(secret), viper.GetString("admin-token"))

	mux := http.NewServeMux()
	handler.Register(mux)

	httpServer := &http.Server{
		Addr:    viper.GetString("address"),
		Handler: mux,
	}

	// hourly expiry sweep, the same job the original ran in a cleanup thread
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed, err := routes.Cleanup(ctx); err != nil {
					log.Printf("[main] cleanup: %v", err)
				} else if removed > 0 {
					log.Printf("[main] cleaned %d expired routes", removed)
				}
			}
		}
	}()

	errs := make(chan error, 1)
	go func() {
		log.Printf("[main] listening on %s", httpServer.Addr)
		errs <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case <-stop:
	}

	log.Printf("[main] shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
