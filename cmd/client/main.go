package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "mypaste",
		Short: "End-to-end encrypted paste stream shared between your devices",
		Long: `mypaste keeps a stream of text pastes in sync across every device you
log in from. Pastes are encrypted on the device with a key that only your
approved devices hold; the server stores ciphertext only.

Usage:
  mypaste login --email you@example.com
  mypaste run
  mypaste devices
  mypaste logout`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the yaml config file")
	rootCmd.AddCommand(runCmd, loginCmd, logoutCmd, devicesCmd, resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
