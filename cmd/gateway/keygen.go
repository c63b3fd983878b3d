package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/copilot-messages-gateway/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [api-key]",
	Short: "Mint a client API key, or hash an existing one, for config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var key string
		if len(args) == 1 {
			key = args[0]
		} else {
			generated, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			key = generated
		}
		keyHash := auth.HashAPIKey(key)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "API Key: %s\n", key)
		fmt.Fprintf(out, "SHA-256 Hash: %s\n", keyHash)
		fmt.Fprintln(out, "\nAdd this to your config.yaml:")
		fmt.Fprintf(out, "  auth:\n")
		fmt.Fprintf(out, "    api_keys:\n")
		fmt.Fprintf(out, "      - key_hash: \"%s\"\n", keyHash)
		fmt.Fprintf(out, "        description: \"Generated key\"\n")
		return nil
	},
}
