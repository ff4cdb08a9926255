package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var lockCmd = &cobra.Command{
	Use:   "lock <document-id>",
	Short: "Acquire the advisory lock on a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			granted, err := a.locks.Acquire(ctx, args[0], actorName)
			if err != nil {
				return err
			}
			if !granted {
				state, err := a.locks.Status(ctx, args[0])
				if err != nil {
					return err
				}
				holder := "another holder"
				if state != nil {
					holder = state.Holder
				}
				return fmt.Errorf("document %s is locked by %s", args[0], holder)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Locked %s as %s\n", args[0], actorName)
			return nil
		})
	},
}

var unlockCmd = &cobra.Command{
	Use:   "unlock <document-id>",
	Short: "Release the advisory lock on a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			released, err := a.locks.Release(ctx, args[0], actorName)
			if err != nil {
				return err
			}
			if !released {
				return fmt.Errorf("%s does not hold the lock on %s", actorName, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unlocked %s\n", args[0])
			return nil
		})
	},
}

var lockStatusCmd = &cobra.Command{
	Use:   "status <document-id>",
	Short: "Show who holds the lock on a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			state, err := a.locks.Status(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if state == nil {
				fmt.Fprintf(out, "%s is unlocked\n", args[0])
				return nil
			}
			fmt.Fprintf(out, "%s is locked by %s since %s", args[0], state.Holder, state.AcquiredAt.Format("2006-01-02 15:04:05"))
			if state.ExpiresAt != nil {
				fmt.Fprintf(out, " (expires %s)", state.ExpiresAt.Format("2006-01-02 15:04:05"))
			}
			fmt.Fprintln(out)
			return nil
		})
	},
}

func init() {
	lockCmd.AddCommand(lockStatusCmd)
	rootCmd.AddCommand(lockCmd, unlockCmd)
}
