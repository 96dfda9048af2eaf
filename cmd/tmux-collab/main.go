// Command tmux-collab shares tmux sessions over websockets with exclusive
// input claims, and queries a running server from the shell.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tchow-twistedxcom/tmux-collab/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	// Global flags.
	flagConfig string
	flagServer string
	flagToken  string
	flagJSON   bool
)

var rootCmd = &cobra.Command{
	Use:   "tmux-collab",
	Short: "Collaborative access to tmux sessions",
	Long: `tmux-collab lets several people watch the same tmux sessions and take
turns typing into them.

"serve" runs the coordinator. The other commands talk to a running
coordinator over its REST API.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", envOrDefault("TMUX_COLLAB_CONFIG", ""), "config file (default ~/.tmux-collab/config.toml)")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", envOrDefault("TMUX_COLLAB_SERVER", ""), "coordinator base URL (default derived from [server] listen)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", envOrDefault("TMUX_COLLAB_TOKEN", ""), "API token")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "print JSON even on a terminal")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// configPath resolves --config, falling back to the per-user default.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	return config.DefaultPath()
}

func loadConfig() (string, *config.Config, error) {
	path, err := configPath()
	if err != nil {
		return "", nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	return path, cfg, nil
}

// serverURL returns --server, or an http URL for the configured listen
// address. Wildcard hosts are dialled on loopback.
func serverURL(cfg *config.Config) string {
	if flagServer != "" {
		return strings.TrimRight(flagServer, "/")
	}
	listen := cfg.Server.Listen
	switch {
	case strings.HasPrefix(listen, ":"):
		listen = "127.0.0.1" + listen
	case strings.HasPrefix(listen, "0.0.0.0:"):
		listen = "127.0.0.1" + strings.TrimPrefix(listen, "0.0.0.0")
	}
	return "http://" + listen
}
