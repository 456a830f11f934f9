// Package cli implements the clawgate command line.
package cli

import (
	"fmt"
	"net"
	"strconv"

	"github.com/harun/clawgate/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	workspaceDir string
	logLevel     string
	gatewayAddr  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "clawgate - conversational LLM gateway",
	Long: `clawgate brokers chat turns between users and OpenAI-compatible model
backends. It fails over between providers, runs tools between model replies,
keeps per-session history and fires scheduled reminders.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace", "", "workspace directory (default $CLAWGATE_WORKSPACE or $HOME/.clawgate)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "addr", "", "gateway address for client commands (default from config)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig resolves the workspace and loads its config. Load problems are
// reported through logger and never fatal.
func loadConfig(logger zerolog.Logger) (*config.Loader, *config.Config, error) {
	ws, err := config.ResolveWorkspace(workspaceDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	loader := config.NewLoader(ws, logger)
	return loader, loader.Load(), nil
}

// clientAddr returns the address client commands dial.
func clientAddr(cfg *config.Config) string {
	if gatewayAddr != "" {
		return gatewayAddr
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
}
