package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"bilibililivetools/livetts/backend/httpapi"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "token <secret>",
		Short:   "Print the apiTokenHash value for a secret",
		Example: `livetts token my-secret`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[0]) == "" {
				return errors.New("secret must not be empty")
			}
			hashed, err := httpapi.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	}
}
