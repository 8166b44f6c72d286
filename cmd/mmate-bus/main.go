package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-bus"
	"github.com/glimte/mmate-bus/config"
	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/httpapi"
	"github.com/glimte/mmate-bus/messaging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var transport string

	rootCmd := &cobra.Command{
		Use:   "mmate-bus",
		Short: "Publish messages and run an HTTP gateway on the mmate bus",
		Long: `mmate-bus connects to the transport selected by MMATE_TRANSPORT and either
publishes a single message or serves an HTTP endpoint that publishes the events it receives.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&transport, "transport", "t", "", "Override MMATE_TRANSPORT (local, rabbitmq, kafka, redis)")

	load := func() (config.Config, *slog.Logger, error) {
		cfg, err := config.Load()
		if err != nil {
			return config.Config{}, nil, err
		}
		if transport != "" {
			cfg.Transport = transport
			if err := cfg.Validate(); err != nil {
				return config.Config{}, nil, err
			}
		}
		return cfg, newLogger(cfg), nil
	}

	rootCmd.AddCommand(newPublishCommand(load), newServeCommand(load))
	return rootCmd
}

type loader func() (config.Config, *slog.Logger, error)

func newPublishCommand(load loader) *cobra.Command {
	var (
		messageType string
		topic       string
		correlation string
	)

	cmd := &cobra.Command{
		Use:   "publish [json-data]",
		Short: "Publish one event",
		Long:  "Publish one event to the topic named by --topic, or to the topic named after its type.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}

			event := Event{Type: messageType, Topic: topic, Data: json.RawMessage(args[0])}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
			defer cancel()

			client, err := mmate.NewClient(ctx, cfg, mmate.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			defer client.Close(context.Background())
			registerEventRules(client.Validators())

			if err := client.Validators().Check(ctx, event); err != nil {
				return err
			}
			if correlation != "" {
				ctx = contracts.WithCorrelationID(ctx, correlation)
			}
			if err := (gateway{client.Bus()}).Publish(ctx, messaging.NewDelivery(event)); err != nil {
				return fmt.Errorf("failed to publish %s: %w", messageType, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", messageType, event.topic())
			return nil
		},
	}
	cmd.Flags().StringVar(&messageType, "type", "", "Message type stamped on the envelope")
	cmd.Flags().StringVar(&topic, "topic", "", "Topic to publish to (defaults to the message type)")
	cmd.Flags().StringVar(&correlation, "correlation-id", "", "Correlation ID to continue")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newServeCommand(load loader) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP event gateway",
		Long:  "Accept POST /events with {\"type\", \"topic\", \"data\"} bodies and publish each event to the bus.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.HTTPAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := mmate.NewClient(ctx, cfg, mmate.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           newGatewayMux(client, logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("gateway listening", "addr", addr, "transport", cfg.Transport)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				logger.Info("shutting down gateway")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
			defer cancel()
			shutdownErr := server.Shutdown(shutdownCtx)
			closeErr := client.Close(shutdownCtx)

			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			return errors.Join(err, shutdownErr, closeErr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to MMATE_HTTP_ADDR)")
	return cmd
}

// newGatewayMux exposes POST /events, GET /healthz and GET /livez
func newGatewayMux(client *mmate.Client, logger *slog.Logger) *http.ServeMux {
	registerEventRules(client.Validators())

	opts := httpapi.NewOptions()
	opts.Logger = logger
	opts.UseValidationProblemDetailMiddleware(client.Validators(), client.Config().ValidationPolicy)

	mux := http.NewServeMux()
	httpapi.PublishMessage[Event](mux, opts, "/events", gateway{client.Bus()})
	mux.Handle("GET /healthz", health.NewHandler(client.Health(), 5*time.Second, logger))
	mux.Handle("GET /livez", health.LivenessHandler())
	return mux
}

func newLogger(cfg config.Config) *slog.Logger {
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.LogLevel,
		TimeFormat: time.Kitchen,
	}))
}
