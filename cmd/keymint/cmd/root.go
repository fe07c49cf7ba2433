// Package cmd provides the CLI commands for keymint.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keymint/keymint/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "keymint",
	Short: "keymint - API key issuance and validation service",
	Long: `keymint issues and validates opaque bearer API keys.

Keys look like sk-proj.{project}.{key}.{secret}. The secret is returned
exactly once at mint time; only an Argon2id verifier is stored. Every
validation is rate limited per key and recorded in an append-only audit
stream.

Quick start:
  1. Create a config file: keymint.yaml
  2. Run: keymint start

Configuration:
  Config is loaded from keymint.yaml in the current directory,
  $HOME/.keymint/, or /etc/keymint/.

  Environment variables override config values with the KEYMINT_ prefix.
  Example: KEYMINT_SERVER_ADDR=:9090

Commands:
  start        Start the HTTP service
  hash-secret  Emit the Argon2id verifier for a secret
  version      Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./keymint.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
