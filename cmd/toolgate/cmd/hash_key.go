package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Generate SHA256 hash for an API key",
	Long: `Generate the SHA256 hash of an API key for seeding auth.api_keys.key_hash
directly, without ever storing the raw secret.

Example:
  toolgate hash-key "my-secret-api-key"
  # Output: 7d5e8c...

Security note: the key will appear in shell history.
Consider clearing history after use or using an environment variable:
  toolgate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(auth.HashKey(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
