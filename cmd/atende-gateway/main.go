// ABOUTME: Entry point for the atende-gateway WhatsApp automation server
// ABOUTME: Cobra commands to serve, run maintenance jobs, inspect records and check health

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/atende-gateway/internal/config"
	"github.com/2389/atende-gateway/internal/gateway"
	"github.com/2389/atende-gateway/internal/jobs"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
        _                 _
   __ _| |_ ___ _ __   __| | ___
  / _' | __/ _ \ '_ \ / _' |/ _ \
 | (_| | ||  __/ | | | (_| |  __/
  \__,_|\__\___|_| |_|\__,_|\___|
`

// getConfigPath returns the path to the gateway config file.
// Priority: --config > ATENDE_CONFIG env var > XDG_CONFIG_HOME/atende/gateway.yaml > ~/.config/atende/gateway.yaml
func getConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if envPath := os.Getenv("ATENDE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "atende", "gateway.yaml")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "atende-gateway",
		Short:         "Multi-tenant WhatsApp customer service gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("config", "", "Config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRunJobCmd())
	cmd.AddCommand(newTranscriptCmd())
	cmd.AddCommand(newUsageCmd())
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

// loadConfig reads the config named by the persistent --config flag.
func loadConfig(cmd *cobra.Command) (string, *config.Config, error) {
	flag, _ := cmd.Flags().GetString("config")
	path := getConfigPath(flag)
	cfg, err := config.Load(path)
	if err != nil {
		return path, nil, fmt.Errorf("loading config: %w", err)
	}
	return path, cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	configPath, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Queue:     %s (x%d)\n", cfg.Queue.Driver, cfg.Queue.Concurrency)
	green.Print("    ▶ ")
	fmt.Printf("Tenants:   %d\n", len(cfg.Messaging.Tenants))
	if cfg.AI.APIKey == "" {
		yellow.Println("    ! ai.api_key not set, replies come from the scripted assistant")
	}
	fmt.Println()

	ctx := cmd.Context()
	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func newRunJobCmd() *cobra.Command {
	names := []string{jobs.NameAutoClose, jobs.NameArchive, jobs.NamePurge, jobs.NameAITimeout}
	return &cobra.Command{
		Use:       "run-job <" + strings.Join(names, "|") + ">",
		Short:     "Run one maintenance job once and exit",
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)

			gw, err := gateway.New(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("creating gateway: %w", err)
			}
			outcome, stats, err := gw.RunJob(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s %s\n", args[0], outcome, stats)
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			addr := cfg.Server.HTTPAddr
			if strings.HasPrefix(addr, ":") {
				addr = "localhost" + addr
			}
			url := fmt.Sprintf("http://%s/health/ready", addr)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
