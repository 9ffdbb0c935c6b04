// cmd/terminal/cmd/init.go
package cmd

import (
	"possync/cmd/terminal/cmd/conflicts"
	"possync/cmd/terminal/cmd/entity"
	"possync/cmd/terminal/cmd/outbox"
	"possync/cmd/terminal/cmd/run"
	"possync/cmd/terminal/cmd/sync"
)

func init() {
	rootCmd.AddCommand(run.RunCmd)

	rootCmd.AddCommand(sync.SyncCmd)
	rootCmd.AddCommand(sync.StatusCmd)
	rootCmd.AddCommand(sync.LogsCmd)

	rootCmd.AddCommand(outbox.OutboxCmd)
	outbox.OutboxCmd.AddCommand(outbox.ListCmd)
	outbox.OutboxCmd.AddCommand(outbox.RetryCmd)

	rootCmd.AddCommand(conflicts.ConflictsCmd)
	conflicts.ConflictsCmd.AddCommand(conflicts.ListCmd)
	conflicts.ConflictsCmd.AddCommand(conflicts.ResolveCmd)

	rootCmd.AddCommand(entity.EntityCmd)
	entity.EntityCmd.AddCommand(entity.PutCmd)
	entity.EntityCmd.AddCommand(entity.DeleteCmd)
	entity.EntityCmd.AddCommand(entity.ListCmd)
}
