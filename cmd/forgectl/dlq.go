package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/studyforge/studyforge/internal/job"
)

func dlqCmd(jobs job.Store) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and requeue dead-lettered jobs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			letters, err := jobs.ListDeadLetters(context.Background())
			if err != nil {
				return err
			}
			if len(letters) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}
			for _, d := range letters {
				fmt.Printf("%s  job=%s type=%s owner=%s\n  %s\n", d.ID, d.JobID, d.Type, d.OwnerRef, d.Reason)
			}
			return nil
		},
	}

	requeueCmd := &cobra.Command{
		Use:   "retry [dead-letter-id]",
		Short: "Requeue a dead-lettered job with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := jobs.Requeue(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("dead letter %s requeued\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd)
	cmd.AddCommand(requeueCmd)
	return cmd
}
