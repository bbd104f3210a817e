package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mcclellann/loanrecon/pkg/config"
	"github.com/mcclellann/loanrecon/pkg/csvsource"
	"github.com/mcclellann/loanrecon/pkg/ledger"
	"github.com/mcclellann/loanrecon/pkg/notify"
	"github.com/mcclellann/loanrecon/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type configLoader func() (*config.Config, error)

func importCmd(load configLoader) *cobra.Command {
	var (
		file      string
		chunkSize int
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a CSV payment file chunk by chunk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if file != "" {
				cfg.Import.File = file
			}
			if chunkSize > 0 {
				cfg.Import.ChunkSize = chunkSize
			}

			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			src, err := csvsource.Open(cfg.Import.File, cfg.Import.ChunkSize, cfg.Import.Delimiter)
			if err != nil {
				return err
			}
			defer src.Close()

			var notifier *notify.Dispatcher
			if cfg.Notify.Enabled {
				notifier = notify.NewDispatcher(notify.LogSender{}, s, notify.Options{
					MaxAttempts:   cfg.Notify.MaxAttempts,
					Backoff:       cfg.Notify.Backoff,
					QueueSize:     cfg.Notify.QueueSize,
					OperatorEmail: cfg.Notify.OperatorEmail,
				})
				notifier.Start(cmd.Context())
				defer notifier.Stop()
			}

			out := cmd.OutOrStdout()
			l := ledger.NewLedger(s)
			l.SetLogger(log.New(cmd.ErrOrStderr(), "", log.LstdFlags))

			start := time.Now()
			summary, err := l.Import(cmd.Context(), src, func(r ledger.ChunkResult) {
				printChunk(out, r)
				if r.Committed() && notifier != nil {
					if err := notifier.Committed(cmd.Context(), r.Loans, r.Rejected); err != nil {
						log.Printf("Could not queue notifications for chunk %d: %v", r.Number, err)
					}
				}
			})
			fmt.Fprintf(out, "Import finished in %s: %d chunks (%d failed), %d accepted, %d rejected, %d refunds, %d loans paid\n",
				time.Since(start).Round(time.Millisecond), summary.Chunks, summary.FailedChunks,
				summary.Accepted, summary.Rejected, summary.Refunds, summary.PaidLoans)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Payment file (defaults to import.file)")
	cmd.Flags().IntVarP(&chunkSize, "chunk-size", "n", 0, "Records per chunk (defaults to import.chunk_size)")
	return cmd
}

func printChunk(out io.Writer, r ledger.ChunkResult) {
	if !r.Committed() {
		fmt.Fprintf(out, "Chunk %d FAILED during %s: %v\n", r.Number, r.FailedAt, r.Err)
		return
	}
	fmt.Fprintf(out, "Chunk %d processed: %d accepted, %d rejected, %d loans updated, %d refunds\n",
		r.Number, len(r.Payments), len(r.Rejected), len(r.Loans), len(r.Refunds))
	if len(r.Payments) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PAYMENT REF\tLOAN REF\tPAYER\tAMOUNT\tSTATE")
		for _, p := range r.Payments {
			fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n", p.PaymentReference, p.LoanReference,
				p.PayerName, p.PayerSurname, p.Amount.StringFixed(2), p.State)
		}
		w.Flush()
	}
	if len(r.Rejected) > 0 {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROW\tPAYMENT REF\tLOAN REF\tAMOUNT\tCODE")
		for _, rej := range r.Rejected {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d %s\n", rej.Record.Row, rej.Record.PaymentReference,
				rej.Record.LoanReference, rej.Record.Amount, int(rej.Code), rej.Code)
		}
		w.Flush()
	}
}

func reportCmd(load configLoader) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "List payments dated on a given day",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := time.Parse("2006-01-02", date)
			if err != nil {
				return fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", date)
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			payments, err := ledger.NewLedger(s).PaymentsByDate(cmd.Context(), day)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(payments) == 0 {
				fmt.Fprintf(out, "No payments on %s\n", date)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PAYMENT REF\tLOAN REF\tPAYER\tAMOUNT\tSTATE\tSOURCE\tDATE")
			for _, p := range payments {
				fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\t%s\t%s\n", p.PaymentReference, p.LoanReference,
					p.PayerName, p.PayerSurname, p.Amount.StringFixed(2), p.State, p.Source,
					p.PaymentDate.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&date, "date", "d", time.Now().UTC().Format("2006-01-02"), "Day to report (YYYY-MM-DD)")
	return cmd
}

func loansCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "loans",
		Short: "List loans and their balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			loans, err := s.GetAllLoans(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REFERENCE\tSTATE\tTO PAY\tPAID\tOUTSTANDING")
			for _, l := range loans {
				outstanding := decimal.Max(decimal.Zero, l.AmountToPay.Sub(l.AmountPaid))
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.Reference, l.State,
					l.AmountToPay.StringFixed(2), l.AmountPaid.StringFixed(2), outstanding.StringFixed(2))
			}
			return w.Flush()
		},
	}
}

func seedCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <fixtures.yaml>",
		Short: "Load customers and loans from a YAML fixture file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fixtures, err := store.LoadFixtures(args[0])
			if err != nil {
				return err
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			customers, loans, err := store.Seed(cmd.Context(), s, fixtures)
			if err != nil {
				return fmt.Errorf("seeding stopped after %d customers and %d loans: %w", customers, loans, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d customers and %d loans\n", customers, loans)
			return nil
		},
	}
}

func initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config <path>",
		Short: "Write a default configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}
