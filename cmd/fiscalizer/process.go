package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/garyjia/kra-fiscalizer/internal/container"
	"github.com/garyjia/kra-fiscalizer/internal/models"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func processCmd() *cobra.Command {
	var noProgress bool

	cmd := &cobra.Command{
		Use:   "process [files...]",
		Short: "Fiscalize the given invoices, or every file in the input folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newServiceLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			c, err := container.NewContainer(cfg, logger)
			if err != nil {
				return err
			}
			if err := c.Start(cmd.Context()); err != nil {
				return err
			}
			defer c.Close()

			files := args
			if len(files) == 0 {
				if files, err = c.Storage().FolderManager.ListInputFiles(); err != nil {
					return err
				}
			}
			if len(files) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No invoices to process.")
				return nil
			}

			var bar *progressbar.ProgressBar
			if !noProgress {
				bar = progressbar.NewOptions(len(files),
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionShowCount(),
					progressbar.OptionShowElapsedTimeOnFinish(),
					progressbar.OptionSetWidth(40),
					progressbar.OptionSetDescription("Fiscalizing invoices"),
					progressbar.OptionOnCompletion(func() {
						fmt.Fprintln(cmd.ErrOrStderr())
					}),
				)
			}

			report := c.Processor().ProcessBatch(cmd.Context(), uuid.NewString(), files, func(*models.InvoiceRun) {
				if bar != nil {
					_ = bar.Add(1)
				}
			})

			printReport(cmd.OutOrStdout(), report)
			if report.Failed > 0 {
				return fmt.Errorf("%d of %d invoices failed", report.Failed, report.Total())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func printReport(out io.Writer, report *models.BatchReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tINVOICE\tSTATUS\tMESSAGE")
	for _, run := range report.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.FilePath, run.InvoiceNumber, run.Status, run.Message)
	}
	w.Flush()

	fmt.Fprintf(out, "\n%d succeeded, %d failed, %d skipped\n", report.Succeeded, report.Failed, report.Skipped)
}
