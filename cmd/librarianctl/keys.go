package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"librarian/internal/keys"
	"librarian/internal/model"
)

func newKeysCommand(ctx *commandContext) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage user API keys",
	}
	keysCmd.AddCommand(newKeysSetCommand(ctx))
	keysCmd.AddCommand(newKeysRemoveCommand(ctx))
	return keysCmd
}

func newKeysSetCommand(ctx *commandContext) *cobra.Command {
	var maxAge int
	cmd := &cobra.Command{
		Use:   "set <user> <provider> <api-key>",
		Short: "Store a user's API key for a provider",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxAge < 0 {
				return fmt.Errorf("max-age must not be negative")
			}
			key := model.UserKey{
				UserID:          args[0],
				Provider:        strings.ToLower(args[1]),
				APIKey:          args[2],
				MaxEntryAgeDays: maxAge,
			}
			return ctx.withServices(func(s *services) error {
				if err := s.store.SetUserKey(cmd.Context(), key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key %s saved for %s/%s\n", keys.Fingerprint(key.APIKey), key.UserID, key.Provider)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxAge, "max-age", 0, "Only spend the key on entries newer than this many days (0 for any)")
	return cmd
}

func newKeysRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <user> <provider>",
		Short: "Delete a user's API key for a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := strings.ToLower(args[1])
			return ctx.withServices(func(s *services) error {
				if err := s.store.DeleteUserKey(cmd.Context(), args[0], provider); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Key removed for %s/%s\n", args[0], provider)
				return nil
			})
		},
	}
}
