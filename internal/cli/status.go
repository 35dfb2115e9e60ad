package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/identity"
	"github.com/openclaw/openclaw/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("openclaw %s (protocol %d)\n", version.Version, version.Protocol)
	},
}

var statusQR bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway status and pairing info",
	RunE: func(cmd *cobra.Command, args []string) error {
		printHeader("OpenClaw Status")
		fmt.Printf("Version:  %s\n", version.Version)

		path, err := config.Path()
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				fmt.Println("Config:   " + color.GreenString("✓") + " " + path)
			} else {
				fmt.Println("Config:   " + color.RedString("✗") + " not found (" + path + ")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Println("Load:     " + color.RedString("✗") + " " + err.Error())
			return nil
		}
		fmt.Printf("Gateway:  %s:%d (auth %s)\n", cfg.Gateway.Bind, cfg.Gateway.Port, cfg.Gateway.AuthMode)
		fmt.Printf("Data dir: %s\n", cfg.DataDir)
		fmt.Printf("Channels: %d configured\n", len(cfg.Channels))
		fmt.Printf("Providers: %d configured\n", len(cfg.Providers))

		ident, err := identity.Load(cfg.DataDir)
		if err == nil {
			fmt.Printf("Device:   %s…\n", ident.DeviceID[:16])
		}

		if statusQR {
			url := fmt.Sprintf("ws://%s:%d/ws?token=%s", cfg.Gateway.Bind, cfg.Gateway.Port, cfg.Gateway.Token)
			qr, err := qrcode.New(url, qrcode.Medium)
			if err != nil {
				return err
			}
			fmt.Println("\nPairing QR:")
			fmt.Print(qr.ToSmallString(false))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusQR, "qr", false, "Render a pairing QR code")
}
