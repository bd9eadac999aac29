package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/accordsai/esign/pkg/authn"
	"github.com/spf13/cobra"
)

var secretCmd = &cobra.Command{
	Use:   "hash-secret",
	Short: "Read an actor API secret from stdin and print its bcrypt hash",
	Long: `The printed hash goes under actor_credentials in the service config:

  actor_credentials:
    act_123: $2a$10$...`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read secret: %w", err)
		}
		hash, err := authn.HashSecret(strings.TrimRight(line, "\r\n"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(secretCmd)
}
