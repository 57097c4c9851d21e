package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/worktally/internal/errors"
	"github.com/kimhsiao/worktally/internal/events"
	"github.com/kimhsiao/worktally/internal/models"
	"github.com/kimhsiao/worktally/internal/sync/queue"
)

var (
	enqueueType   string
	enqueueID     string
	enqueueAction string
	enqueueData   string
	enqueueSync   bool

	clearDeadLetters bool
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a mutation for replay",
	Example: `  worktally enqueue --type work --id temp_1 --action create --data '{"title":"Paint fence","hours":3}'
  worktally enqueue --type payment --id p7 --action delete`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		var data json.RawMessage
		if enqueueData != "" {
			data = json.RawMessage(enqueueData)
		}
		syncID, err := svc.Queue.QueueAction(ctx, queue.NewAction{
			ID:     enqueueID,
			Type:   models.EntityType(enqueueType),
			Action: models.ActionType(enqueueAction),
			Data:   data,
		})
		if err != nil {
			return err
		}

		out := map[string]interface{}{"syncId": syncID}
		if enqueueSync && !offline {
			out["synced"] = svc.Engine.SyncWithServer(ctx)
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if offline {
			return apperrors.New(apperrors.ErrOffline, "cannot sync while offline")
		}
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		var result events.Event
		sub := svc.Bus.On(events.Wildcard, func(e events.Event) {
			switch e.(type) {
			case events.SyncCompletedEvent, events.SyncFailedEvent:
				result = e
			}
		})
		defer svc.Bus.Off(sub)

		synced := svc.Engine.SyncWithServer(ctx)
		status, err := svc.Engine.GetSyncStatus(ctx)
		if err != nil {
			return err
		}
		if err := printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"success": synced,
			"result":  result,
			"status":  status,
			"metrics": svc.Metrics.Snapshot(),
		}); err != nil {
			return err
		}
		if !synced {
			return apperrors.New(apperrors.ErrSyncFailed, "sync did not complete")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the sync status and pending actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		status, err := svc.Engine.GetSyncStatus(ctx)
		if err != nil {
			return err
		}
		actions, err := svc.Queue.PendingActions(ctx)
		if err != nil {
			return err
		}
		deviceID, err := svc.Devices.ID(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]interface{}{
			"deviceId": deviceID,
			"status":   status,
			"pending":  actions,
		})
	},
}

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List actions the engine gave up on",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if clearDeadLetters {
			if err := svc.DeadLetters.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "dead letters cleared")
			return nil
		}
		letters, err := svc.DeadLetters.List(ctx)
		if err != nil {
			return err
		}
		if letters == nil {
			letters = []models.DeadLetter{}
		}
		return printJSON(cmd.OutOrStdout(), letters)
	},
}

var clearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Clear the offline entity cache when nothing is pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		cleared, err := svc.Engine.ClearSyncedData(ctx)
		if err != nil {
			return err
		}
		if !cleared {
			return apperrors.New(apperrors.ErrInvalid, "pending actions remain; cache kept")
		}
		fmt.Fprintln(cmd.OutOrStdout(), "offline cache cleared")
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueType, "type", "", "entity type (work, payment, profile, settings)")
	enqueueCmd.Flags().StringVar(&enqueueID, "id", "", "entity id")
	enqueueCmd.Flags().StringVar(&enqueueAction, "action", "", "create, update or delete")
	enqueueCmd.Flags().StringVar(&enqueueData, "data", "", "JSON object payload")
	enqueueCmd.Flags().BoolVar(&enqueueSync, "sync", false, "run a sync cycle right after queueing")
	enqueueCmd.MarkFlagRequired("type")
	enqueueCmd.MarkFlagRequired("id")
	enqueueCmd.MarkFlagRequired("action")

	deadLettersCmd.Flags().BoolVar(&clearDeadLetters, "clear", false, "remove all dead letters")

	rootCmd.AddCommand(enqueueCmd, syncCmd, statusCmd, deadLettersCmd, clearCacheCmd)
}
