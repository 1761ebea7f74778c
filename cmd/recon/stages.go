package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apexmediation/revenue-recon/api"
	"github.com/apexmediation/revenue-recon/recon"
)

// addWindowFlags registers --from, --to and --dry-run on cmd.
func addWindowFlags(cmd *cobra.Command, req *api.WindowRequest) {
	cmd.Flags().StringVar(&req.From, "from", "", "Window start, inclusive (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.To, "to", "", "Window end, exclusive (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "Compute without writing")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func expectedCmd(flags *rootFlags) *cobra.Command {
	var req api.BuildExpectedRequest

	cmd := &cobra.Command{
		Use:   "expected",
		Short: "Materialize expected revenue for a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			win, err := req.Window()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), flags, func(a *app) error {
				res, err := a.service.BuildExpected(cmd.Context(), recon.BuildExpectedInput{
					Window:         win,
					Limit:          req.Limit,
					DryRun:         req.DryRun,
					CollectMetrics: req.CollectMetrics,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.ExpectedResponse{Window: api.WindowDTO{From: win.From, To: win.To}, ExpectedResult: res})
			})
		},
	}

	addWindowFlags(cmd, &req.WindowRequest)
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "Maximum receipts to read (0 uses the configured default)")
	cmd.Flags().BoolVar(&req.CollectMetrics, "metrics", false, "Record stage metrics")

	return cmd
}

func matchCmd(flags *rootFlags) *cobra.Command {
	var (
		req     api.MatchingRequest
		noRev   bool
		options recon.MatchingOptions
	)

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match network statements to expected revenue",
		RunE: func(cmd *cobra.Command, args []string) error {
			win, err := req.Window()
			if err != nil {
				return err
			}
			in := recon.MatchingInput{
				Window:          win,
				LimitStatements: req.LimitStatements,
				LimitExpected:   req.LimitExpected,
				DryRun:          req.DryRun,
				PersistReview:   !noRev,
			}
			if cmd.Flags().Changed("w-time") || cmd.Flags().Changed("w-amount") ||
				cmd.Flags().Changed("w-unit") || cmd.Flags().Changed("time-span-days") {
				in.Options = &options
			}
			return withApp(cmd.Context(), flags, func(a *app) error {
				res, err := a.service.RunMatchingBatch(cmd.Context(), in)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.MatchingResponse{Window: api.WindowDTO{From: win.From, To: win.To}, MatchingResult: res})
			})
		},
	}

	defaults := recon.DefaultConfig().Matching
	addWindowFlags(cmd, &req.WindowRequest)
	cmd.Flags().IntVar(&req.LimitStatements, "limit-statements", 0, "Maximum statements to read")
	cmd.Flags().IntVar(&req.LimitExpected, "limit-expected", 0, "Maximum expected records to read")
	cmd.Flags().BoolVar(&noRev, "no-review", false, "Do not persist review-band matches")
	cmd.Flags().Float64Var(&options.WTime, "w-time", defaults.WTime, "Time sub-score weight")
	cmd.Flags().Float64Var(&options.WAmount, "w-amount", defaults.WAmount, "Amount sub-score weight")
	cmd.Flags().Float64Var(&options.WUnit, "w-unit", defaults.WUnit, "Unit sub-score weight")
	cmd.Flags().Float64Var(&options.TimeSpanDays, "time-span-days", defaults.TimeSpanDays, "Days until the time sub-score reaches zero")

	return cmd
}

func reconcileCmd(flags *rootFlags) *cobra.Command {
	var req api.ReconcileRequest

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Classify a window's discrepancies into deltas",
		RunE: func(cmd *cobra.Command, args []string) error {
			win, err := req.Window()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), flags, func(a *app) error {
				res, err := a.service.ReconcileWindow(cmd.Context(), recon.ReconcileInput{Window: win, DryRun: req.DryRun})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), api.NewReconcileResponse(res))
			})
		},
	}

	addWindowFlags(cmd, &req.WindowRequest)

	return cmd
}

func migrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the backend schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), flags, func(a *app) error {
				// Opening the backend migrates it.
				a.logger.Info("schema up to date", zap.String("backend", a.settings.Backend))
				return nil
			})
		},
	}
}
