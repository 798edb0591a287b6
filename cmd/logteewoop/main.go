package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"logteewoop/internal/config"
	"logteewoop/internal/server"
	"logteewoop/internal/teeclient"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	configPath string
	host       string
	port       int
	logLevel   string

	serverURL string
	streamID  string
)

var rootCmd = &cobra.Command{
	Use:   "logteewoop",
	Short: "logteewoop - live log streaming backplane",
	Long: `logteewoop collects streamed process output over HTTP, splits it into
timestamped lines and fans them out to websocket subscribers.`,
}

func setupLogging(level string) error {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
	return nil
}

var serveCmd = &cobra.Command{
	Use:           "serve",
	Short:         "Start the logteewoop server",
	Long:          `Start the HTTP server that accepts stream writes and serves tails and live subscriptions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(logLevel); err != nil {
			return err
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return server.Run(ctx, cfg)
	},
}

var execCmd = &cobra.Command{
	Use:   "exec [--server URL] [--stream-id UUID] -- cmd [args...]",
	Short: "Run a command and stream its output to a server",
	Long: `Run a command, show its output as usual and upload a copy to a
logteewoop server. The stream id is printed to stderr; pass --stream-id to
append to an existing stream. The command's exit status is passed through.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := teeclient.Options{Server: serverURL}
		if streamID != "" {
			id, err := uuid.Parse(streamID)
			if err != nil {
				return fmt.Errorf("invalid --stream-id: %w", err)
			}
			opts.StreamID = id
		}
		return teeclient.Run(cmd.Context(), opts, args)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (default: $"+config.EnvConfigPath+")")
	serveCmd.Flags().StringVar(&host, "host", "0.0.0.0", "Address to listen on")
	serveCmd.Flags().IntVarP(&port, "port", "p", 9002, "Port to listen on")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")

	execCmd.Flags().StringVar(&serverURL, "server", "http://localhost:9002", "Base URL of the logteewoop server")
	execCmd.Flags().StringVar(&streamID, "stream-id", "", "Stream to write to (default: a new random id)")
	execCmd.Flags().SetInterspersed(false)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		os.Exit(exitErr.ExitCode())
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
