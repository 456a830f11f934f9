package cli

import (
	"fmt"

	"github.com/harun/clawgate/internal/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard that adds providers to the pool
and sets the gateway port and log level. A running daemon picks up the change.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader, base, err := loadConfig(zerolog.Nop())
	if err != nil {
		return err
	}

	cfg, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run(base)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\n", loader.Path())
	fmt.Fprintln(cmd.OutOrStdout(), "Start the gateway with: clawgate serve")
	return nil
}
