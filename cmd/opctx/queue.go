package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pthm/opctx/internal/cli"
	"github.com/pthm/opctx/pkg/jobs"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Job queue utilities",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the job queue backlog",
	Example: `  # Show pending jobs
  opctx queue status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jc := cfg.JobsConfig()
		q, err := jobs.NewRedisQueue(cmd.Context(), jc)
		if err != nil {
			return cli.DBConnectError("connecting to job queue", err)
		}
		defer func() { _ = q.Close() }()

		n, err := q.Len(cmd.Context())
		if err != nil {
			return cli.GeneralError("reading queue length", err)
		}
		logger.DebugContext(cmd.Context(), "queue inspected", "queue", jc.Queue, "pending", n)
		fmt.Printf("%s: %d pending\n", jc.Queue, n)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
}
