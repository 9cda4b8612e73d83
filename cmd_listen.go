package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"bilibililivetools/livetts/backend/app"
	"bilibililivetools/livetts/backend/config"
)

func newListenCmd() *cobra.Command {
	var roomID int64
	cmd := &cobra.Command{
		Use:     "listen",
		Short:   "Connect to a room and speak, without the HTTP API",
		Example: `livetts listen --room 21452505`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgManager, err := config.NewManager()
			if err != nil {
				return fmt.Errorf("load config failed: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.Listen(ctx, cfgManager, roomID)
		},
	}
	cmd.Flags().Int64VarP(&roomID, "room", "r", 0, "Room id (short or real); defaults to the first configured room")
	return cmd
}
