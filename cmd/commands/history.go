package commands

import (
	"fmt"
	"time"

	"github.com/urfave/cli"
)

const (
	limitName = "limit"

	defaultRunLimit = 20
)

var historyCommands = []cli.Command{
	{
		Name:     "history",
		Usage:    "Inspect past mint runs.",
		Category: "History",
		Subcommands: []cli.Command{
			listRunsCommand,
			listOutcomesCommand,
		},
	},
}

var listRunsCommand = cli.Command{
	Name:      "runs",
	ShortName: "r",
	Usage:     "list the most recent mint runs",
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  limitName,
			Usage: "the maximum number of runs to show",
			Value: defaultRunLimit,
		},
	},
	Action: listRuns,
}

type runRecordResp struct {
	RunID   string `json:"run_id"`
	TokenID string `json:"token_id"`
	Workers int64  `json:"workers"`
	Minted  int64  `json:"minted"`
	Amount  uint64 `json:"amount"`
}

func listRuns(ctx *cli.Context) error {
	ctxc, server, cleanUp := getServer(ctx)
	defer cleanUp()

	runs, err := server.ListRuns(ctxc, ctx.Int(limitName))
	if err != nil {
		return fmt.Errorf("unable to list runs: %w", err)
	}

	resp := make([]*runRecordResp, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, &runRecordResp{
			RunID:   run.RunID,
			TokenID: run.TokenID,
			Workers: run.Workers,
			Minted:  run.Minted,
			Amount:  uint64(run.Amount),
		})
	}

	printJSON(resp)
	return nil
}

var listOutcomesCommand = cli.Command{
	Name:      "outcomes",
	ShortName: "o",
	Usage:     "list the worker outcomes of a single run",
	ArgsUsage: "run_id",
	Action:    listOutcomes,
}

type storedOutcomeResp struct {
	WorkerID string `json:"worker_id"`
	Batch    int    `json:"batch"`
	Kind     string `json:"kind"`
	Txid     string `json:"txid,omitempty"`
	Amount   uint64 `json:"amount,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
	Finished string `json:"finished"`
}

func listOutcomes(ctx *cli.Context) error {
	runID := ctx.Args().First()
	if runID == "" {
		_ = cli.ShowCommandHelp(ctx, "outcomes")
		return nil
	}

	ctxc, server, cleanUp := getServer(ctx)
	defer cleanUp()

	outcomes, err := server.ListOutcomes(ctxc, runID)
	if err != nil {
		return fmt.Errorf("unable to list outcomes of %v: %w", runID,
			err)
	}

	resp := make([]*storedOutcomeResp, 0, len(outcomes))
	for _, o := range outcomes {
		outcome := &storedOutcomeResp{
			WorkerID: o.WorkerID,
			Batch:    o.BatchIndex,
			Kind:     o.Kind,
			Amount:   uint64(o.Amount),
			Reason:   o.Reason,
			Attempts: o.Attempts,
			Finished: o.Finished.Format(time.RFC3339),
		}
		if o.Txid != nil {
			outcome.Txid = o.Txid.String()
		}

		resp = append(resp, outcome)
	}

	printJSON(resp)
	return nil
}
