package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chellapp/portal/internal/agent"
	agentconfig "github.com/chellapp/portal/internal/agent/config"
	"github.com/chellapp/portal/internal/pairing"
)

func main() {
	var (
		configPath string
		logJSON    bool
	)

	rootCmd := &cobra.Command{
		Use:   "portal",
		Short: "Desktop agent and pairing management for the portal relay",
	}
	defaultConfig := os.Getenv("PORTAL_CONFIG")
	if defaultConfig == "" {
		defaultConfig = agentconfig.DefaultPath()
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "path to agent config file")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit logs as JSON")

	newLogger := func() *slog.Logger {
		var handler slog.Handler = slog.NewTextHandler(os.Stderr, nil)
		if logJSON {
			handler = slog.NewJSONHandler(os.Stderr, nil)
		}
		return slog.New(handler)
	}

	var relayURL, shell string
	agentCmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the desktop agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := agentconfig.Ensure(configPath)
			if err != nil {
				return err
			}
			if relayURL != "" && relayURL != cfg.RelayURL {
				cfg.RelayURL = relayURL
				if err := cfg.Save(configPath); err != nil {
					return err
				}
			}
			logger := newLogger()
			a, err := agent.New(agent.Config{
				RelayURL:          cfg.RelayURL,
				DeviceID:          cfg.DeviceID,
				DeviceName:        cfg.DeviceName,
				PairingCode:       cfg.PairingCode,
				PairingPassphrase: cfg.PairingPassphrase,
				Shell:             shell,
				Theme:             cfg.Theme,
				Logger:            logger,
			})
			if err != nil {
				return err
			}
			logger.Info("pairing secrets",
				"code", cfg.PairingCode, "passphrase", cfg.PairingPassphrase)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	agentCmd.Flags().StringVar(&relayURL, "relay-url", "", "relay WebSocket URL (persisted to the config)")
	agentCmd.Flags().StringVar(&shell, "shell", "", "shell for spawned terminals (default $SHELL)")

	pairingCmd := &cobra.Command{
		Use:   "pairing",
		Short: "Inspect or rotate pairing secrets",
	}
	pairingCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the pairing code and QR payload",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := agentconfig.Ensure(configPath)
			if err != nil {
				return err
			}
			payload, err := pairing.NewQRPayload(cfg.RelayURL, cfg.PairingPassphrase, cfg.DeviceName).Encode()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pairing code: %s\npassphrase:   %s\nqr payload:   %s\n",
				cfg.PairingCode, cfg.PairingPassphrase, payload)
			return nil
		},
	})
	pairingCmd.AddCommand(&cobra.Command{
		Use:   "regenerate",
		Short: "Rotate the pairing code and passphrase",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := agentconfig.Regenerate(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pairing code: %s\npassphrase:   %s\n",
				cfg.PairingCode, cfg.PairingPassphrase)
			return nil
		},
	})

	rootCmd.AddCommand(agentCmd, pairingCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
