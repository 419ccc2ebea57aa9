package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/FACorreiaa/statement-importer/internal/domain/expense"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/dedup"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/parser"
	"github.com/FACorreiaa/statement-importer/internal/domain/import/repository"
	importservice "github.com/FACorreiaa/statement-importer/internal/domain/import/service"
	"github.com/FACorreiaa/statement-importer/pkg/db"
	"github.com/FACorreiaa/statement-importer/pkg/money"
)

func newImportCommand() *cobra.Command {
	var (
		source   string
		policy   string
		password string
		jobID    string
		currency string
	)

	cmd := &cobra.Command{
		Use:   "import <statement-file>",
		Short: "Import one statement file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := parser.ParseSource(source)
			if err != nil {
				return err
			}
			pol, err := dedup.ParsePolicy(policy)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading statement: %w", err)
			}

			req := importservice.Request{
				JobID:    jobID,
				Source:   src,
				FileName: filepath.Base(args[0]),
				Data:     data,
				Password: password,
				Policy:   pol,
				Currency: strings.ToUpper(currency),
			}
			return withDependencies(func(deps *Dependencies) error {
				return runImport(cmd.Context(), deps.ImportService, req, cmd.OutOrStdout())
			})
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "statement source: phonepe, axis, hdfc or payzap (required)")
	_ = cmd.MarkFlagRequired("source")
	cmd.Flags().StringVar(&policy, "policy", "", "duplicate policy: skip, update or mark_duplicate (default from config)")
	cmd.Flags().StringVar(&password, "password", "", "password for encrypted PDFs")
	cmd.Flags().StringVar(&jobID, "job-id", "", "job id (generated when empty)")
	cmd.Flags().StringVar(&currency, "currency", "", "currency code for imported amounts (default from config)")

	return cmd
}

func runImport(ctx context.Context, svc *importservice.ImportService, req importservice.Request, out io.Writer) error {
	tracker := importservice.NewTracker().OnProgress(func(p importservice.Progress) {
		fmt.Fprintf(out, "\r%-10s %3d%%", p.Status, p.Percent)
	})

	job, err := svc.Import(ctx, req, tracker)
	fmt.Fprintln(out)
	if job != nil {
		printJob(out, job)
	}
	return err
}

func printJob(out io.Writer, job *repository.ImportJob) {
	fmt.Fprintf(out, "job %s: %s\n", job.JobID, job.Status)
	fmt.Fprintf(out, "  created=%d skipped=%d updated=%d duplicates=%d\n",
		job.Created, job.Skipped, job.Updated, job.Duplicates)
	for _, e := range job.Errors {
		fmt.Fprintf(out, "  - %s\n", e)
	}
}

func newJobsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List import history, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDependencies(func(deps *Dependencies) error {
				jobs, err := deps.ImportService.ListJobs(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return writeJobTable(cmd.OutOrStdout(), jobs)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to show")

	return cmd
}

func writeJobTable(out io.Writer, jobs []*repository.ImportJob) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSTATUS\tSOURCE\tFILE\tCREATED\tSKIPPED\tUPDATED\tDUPLICATES\tERRORS\tSTARTED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			j.JobID, j.Status, j.Source, j.FileName,
			j.Created, j.Skipped, j.Updated, j.Duplicates, len(j.Errors),
			j.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newWaitCommand() *cobra.Command {
	var (
		interval time.Duration
		attempts int
	)

	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Poll a job until it completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interval <= 0 {
				return fmt.Errorf("%w: --interval %s", importservice.ErrInvalidInterval, interval)
			}
			return withDependencies(func(deps *Dependencies) error {
				job, err := importservice.WaitForJob(cmd.Context(), deps.ImportRepo, args[0], interval, attempts)
				if job != nil {
					printJob(cmd.OutOrStdout(), job)
				}
				if err != nil {
					return err
				}
				if job.Status == repository.JobFailed {
					return errors.New("import failed")
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "poll interval")
	cmd.Flags().IntVar(&attempts, "attempts", 30, "maximum number of polls")

	return cmd
}

func newExportCommand() *cobra.Command {
	var (
		format string
		output string
		source string
		from   string
		to     string
		sortBy string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export expenses as CSV or XLSX",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			field, err := expense.ParseSortField(sortBy)
			if err != nil {
				return err
			}
			q := expense.Query{Source: source, DateFrom: from, DateTo: to, SortBy: field, ExcludeDuplicates: true}

			return withDependencies(func(deps *Dependencies) error {
				expenses, err := deps.ExpenseService.Query(cmd.Context(), q)
				if err != nil {
					return err
				}

				var buf bytes.Buffer
				switch strings.ToLower(format) {
				case "csv":
					err = expense.WriteCSV(&buf, expenses)
				case "xlsx":
					err = expense.WriteXLSX(&buf, expenses)
				default:
					return fmt.Errorf("unsupported export format %q", format)
				}
				if err != nil {
					return err
				}

				if output == "" || output == "-" {
					_, err = buf.WriteTo(cmd.OutOrStdout())
				} else {
					err = os.WriteFile(output, buf.Bytes(), 0o644)
				}
				if err != nil {
					return fmt.Errorf("writing export: %w", err)
				}

				summary, err := totals(expenses)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d expenses (%s)\n", len(expenses), summary)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "csv", "csv or xlsx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (stdout when empty)")
	cmd.Flags().StringVar(&source, "source", "", "only this source")
	cmd.Flags().StringVar(&from, "from", "", "first date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last date, YYYY-MM-DD")
	cmd.Flags().StringVar(&sortBy, "sort", "date", "sort field")

	return cmd
}

// totals renders the sum per currency, e.g. "₹1,250.00, $12.00".
func totals(expenses []*repository.CanonicalExpense) (string, error) {
	byCurrency := map[string][]decimal.Decimal{}
	for _, e := range expenses {
		byCurrency[e.Currency] = append(byCurrency[e.Currency], e.Amount)
	}
	if len(byCurrency) == 0 {
		return money.Format(decimal.Zero, money.DefaultCurrency), nil
	}

	codes := make([]string, 0, len(byCurrency))
	for code := range byCurrency {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	parts := make([]string, 0, len(codes))
	for _, code := range codes {
		sum, err := money.Sum(code, byCurrency[code]...)
		if err != nil {
			return "", fmt.Errorf("summing %s amounts: %w", code, err)
		}
		parts = append(parts, money.Format(sum, code))
	}
	return strings.Join(parts, ", "), nil
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Manage the PostgreSQL schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			database, err := db.New(db.Config{DSN: cfg.Database.DSN(), MaxConns: 2}, log)
			if err != nil {
				return err
			}
			defer database.Close()

			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			switch action {
			case "down":
				return database.MigrateDown()
			case "status":
				return database.MigrationStatus()
			default:
				return database.RunMigrations()
			}
		},
	}
}
