package cli

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/config"
)

var configValidate bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or validate the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if configValidate {
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("✓ configuration valid"))
			return nil
		}
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	configCmd.Flags().BoolVar(&configValidate, "validate", false, "Validate the configuration and exit")
}
