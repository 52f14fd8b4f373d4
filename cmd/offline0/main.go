package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	adminAddr  string
)

var rootCmd = &cobra.Command{
	Use:           "offline0",
	Short:         "Offline-resilience gateway",
	Long:          "offline0 serves cached reads and queues writes while the upstream API is unreachable,\nthen replays the queue once it is back.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "addr", getenvDefault("OFFLINE0_ADDR", "http://127.0.0.1:8080"), "address of a running gateway")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
