// Package cli implements the openclaw command tree.
package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var logo = "\n" +
	"   ___                    ____ _\n" +
	"  / _ \\ _ __   ___ _ __  / ___| | __ ___      __\n" +
	" | | | | '_ \\ / _ \\ '_ \\| |   | |/ _` \\ \\ /\\ / /\n" +
	" | |_| | |_) |  __/ | | | |___| | (_| |\\ V  V /\n" +
	"  \\___/| .__/ \\___|_| |_|\\____|_|\\__,_| \\_/\\_/\n" +
	"       |_|\n"

var rootCmd = &cobra.Command{
	Use:   "openclaw",
	Short: "OpenClaw - AI agent gateway",
	Long:  color.CyanString(logo) + "\nA personal AI-agent gateway: control plane, channels, providers and memory.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func printHeader(title string) {
	fmt.Println(color.CyanString(title))
	fmt.Println(color.CyanString("────────────────────────────────"))
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}
