package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keymint/keymint/internal/domain/verifier"
)

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret [secret]",
	Short: "Emit the Argon2id verifier for a secret",
	Long: `Hash a secret with the production Argon2id parameters and print
the encoded verifier. Useful for seeding key documents out of band or
checking what the service would store.

Example:
  keymint hash-secret "Zx81hWqoQ4sLk92mPnRtUv3yAb5cDe7f"

Security note: the secret will appear in shell history. Consider
clearing history after use or passing an environment variable:
  keymint hash-secret "$MY_SECRET"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		encoded, err := verifier.New(verifier.DefaultParams()).Hash(args[0])
		if err != nil {
			return fmt.Errorf("hashing failed: %w", err)
		}
		fmt.Println(encoded)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashSecretCmd)
}
