package commands

import (
	"fmt"

	"github.com/catmint/catmint/mintgarden"
	"github.com/catmint/catmint/token"
	"github.com/urfave/cli"
)

const (
	tokenIDName        = "id"
	receiverPubKeyName = "receiver_pubkey"
	receiverAddrName   = "receiver_addr"
	dryRunName         = "dryrun"
)

var tokenIDFlag = cli.StringFlag{
	Name:  tokenIDName,
	Usage: "the id of the token",
}

var mintCommand = cli.Command{
	Name:      "mint",
	ShortName: "m",
	Usage:     "mint a token with all fee inputs of the wallet",
	ArgsUsage: "[amount]",
	Description: `
	Split the fee inputs of the wallet into batches and mint the token
	once per batch, all batches concurrently. If no amount is given, each
	mint issues the per-mint limit of the token.
	`,
	Flags: []cli.Flag{
		tokenIDFlag,
		cli.StringFlag{
			Name: receiverPubKeyName,
			Usage: "the hex encoded x-only public key that " +
				"receives the minted tokens, defaults to the " +
				"wallet",
		},
		cli.StringFlag{
			Name: receiverAddrName,
			Usage: "an address of the receiver key, used to " +
				"double check the receiver",
		},
		cli.BoolFlag{
			Name:  dryRunName,
			Usage: "only show the batches, don't mint",
		},
	},
	Action: mint,
}

type outcomeResp struct {
	WorkerID string `json:"worker_id"`
	Batch    int    `json:"batch"`
	Kind     string `json:"kind"`
	Txid     string `json:"txid,omitempty"`
	Amount   string `json:"amount,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
}

type runResp struct {
	RunID     string         `json:"run_id"`
	TokenID   string         `json:"token_id"`
	Batches   []*batchResp   `json:"batches"`
	Minted    int            `json:"minted"`
	Exhausted int            `json:"exhausted"`
	Fatal     int            `json:"fatal"`
	TimedOut  bool           `json:"timed_out"`
	DryRun    bool           `json:"dry_run"`
	Duration  string         `json:"duration"`
	Outcomes  []*outcomeResp `json:"outcomes,omitempty"`
}

type batchResp struct {
	Index  int      `json:"index"`
	Value  int64    `json:"value_sat"`
	Inputs []string `json:"inputs"`
}

func marshalBatch(batch *mintgarden.InputBatch) *batchResp {
	resp := &batchResp{
		Index: batch.Index,
		Value: int64(batch.TotalValue()),
	}
	for _, in := range batch.Inputs {
		resp.Inputs = append(resp.Inputs, in.OutPoint.String())
	}

	return resp
}

func marshalOutcome(o *mintgarden.WorkerOutcome,
	decimals uint8) *outcomeResp {

	resp := &outcomeResp{
		WorkerID: o.WorkerID,
		Batch:    o.BatchIndex,
		Kind:     o.Kind.String(),
		Reason:   o.Reason,
		Attempts: o.Attempts,
	}

	switch o.Kind {
	case mintgarden.OutcomeMinted:
		resp.Txid = o.Txid.String()
		resp.Amount = o.Amount.Format(decimals)

	case mintgarden.OutcomeFatal:
		resp.Reason = o.Err.Error()
	}

	return resp
}

func mint(ctx *cli.Context) error {
	tokenID := ctx.String(tokenIDName)
	if tokenID == "" {
		_ = cli.ShowCommandHelp(ctx, "mint")
		return nil
	}

	ctxc, server, cleanUp := getServer(ctx)
	defer cleanUp()

	meta, err := server.FetchToken(ctxc, tokenID)
	if err != nil {
		return fmt.Errorf("unable to fetch token: %w", err)
	}

	summary, err := server.Mint(ctxc, &mintgarden.RunRequest{
		TokenID:        tokenID,
		Amount:         ctx.Args().First(),
		ReceiverPubKey: ctx.String(receiverPubKeyName),
		ReceiverAddr:   ctx.String(receiverAddrName),
		DryRun:         ctx.Bool(dryRunName),
	})
	if err != nil {
		return fmt.Errorf("unable to mint: %w", err)
	}

	resp := &runResp{
		RunID:     summary.RunID.String(),
		TokenID:   summary.TokenID,
		Minted:    summary.Count(mintgarden.OutcomeMinted),
		Exhausted: summary.Count(mintgarden.OutcomeExhausted),
		Fatal:     summary.Count(mintgarden.OutcomeFatal),
		TimedOut:  summary.TimedOut,
		DryRun:    summary.DryRun,
		Duration:  summary.Finished.Sub(summary.Started).String(),
	}
	for _, batch := range summary.Batches {
		resp.Batches = append(resp.Batches, marshalBatch(batch))
	}
	for _, o := range summary.Outcomes {
		resp.Outcomes = append(
			resp.Outcomes, marshalOutcome(o, meta.Info.Decimals),
		)
	}

	printJSON(resp)
	return nil
}

var batchesCommand = cli.Command{
	Name:      "batches",
	ShortName: "b",
	Usage:     "show the fee input batches of the next mint",
	Action:    listBatches,
}

func listBatches(ctx *cli.Context) error {
	ctxc, server, cleanUp := getServer(ctx)
	defer cleanUp()

	batches, err := server.PlanBatches(ctxc)
	if err != nil {
		return fmt.Errorf("unable to plan batches: %w", err)
	}

	resp := make([]*batchResp, 0, len(batches))
	for _, batch := range batches {
		resp = append(resp, marshalBatch(batch))
	}

	printJSON(resp)
	return nil
}

var tokenCommand = cli.Command{
	Name:      "token",
	ShortName: "t",
	Usage:     "show a token and the number of its minters",
	Flags: []cli.Flag{
		tokenIDFlag,
	},
	Action: showToken,
}

type tokenResp struct {
	Metadata *token.Metadata `json:"metadata"`
	Minters  uint64          `json:"minters"`
}

func showToken(ctx *cli.Context) error {
	tokenID := ctx.String(tokenIDName)
	if tokenID == "" {
		_ = cli.ShowCommandHelp(ctx, "token")
		return nil
	}

	ctxc, server, cleanUp := getServer(ctx)
	defer cleanUp()

	meta, err := server.FetchToken(ctxc, tokenID)
	if err != nil {
		return fmt.Errorf("unable to fetch token: %w", err)
	}

	minters, err := server.CountMinters(ctxc, tokenID)
	if err != nil {
		return fmt.Errorf("unable to count minters: %w", err)
	}

	printJSON(&tokenResp{
		Metadata: meta,
		Minters:  minters,
	})
	return nil
}
