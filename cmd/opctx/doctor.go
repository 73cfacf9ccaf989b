package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pthm/opctx/internal/cli"
	"github.com/pthm/opctx/internal/doctor"
	"github.com/pthm/opctx/pkg/pool"
)

var (
	doctorQueryURI  string
	doctorMutateURI string
	doctorJobs      bool
	doctorVerbose   bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run health checks",
	Long:  `Run health checks on the reader and writer databases and, optionally, the job queue.`,
	Example: `  # Run health checks with the configured DSNs
  opctx doctor

  # Override the DSNs
  opctx doctor --query-uri postgres://reader@db/app --mutate-uri postgres://writer@db/app

  # Include the job queue and show details
  opctx doctor --jobs --details`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pc := cfg.PoolConfig()
		pc.QueryURI = resolveString(doctorQueryURI, pc.QueryURI)
		pc.MutateURI = resolveString(doctorMutateURI, pc.MutateURI)

		opts := []doctor.Option{doctor.WithDialer(pool.DialPGX)}
		if doctorJobs {
			opts = append(opts, doctor.WithRedis(cfg.JobsConfig()))
		}

		if !quiet {
			fmt.Println("opctx doctor - Health Check")
		}

		report, err := doctor.New(pc, opts...).Run(cmd.Context())
		if err != nil {
			return cli.GeneralError("running doctor", err)
		}

		report.Print(os.Stdout, doctorVerbose || verbose > 0)

		if report.HasErrors() {
			return cli.CheckFailedError("health checks failed", nil)
		}
		return nil
	},
}

func init() {
	f := doctorCmd.Flags()
	f.StringVar(&doctorQueryURI, "query-uri", "", "reader database URL")
	f.StringVar(&doctorMutateURI, "mutate-uri", "", "writer database URL")
	f.BoolVar(&doctorJobs, "jobs", false, "also check the job queue")
	f.BoolVar(&doctorVerbose, "details", false, "show detailed output")
}
