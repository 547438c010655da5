package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/garyjia/kra-fiscalizer/internal/fiscal"
	"github.com/garyjia/kra-fiscalizer/internal/posting"
	"github.com/garyjia/kra-fiscalizer/internal/tariff"
	"github.com/garyjia/kra-fiscalizer/pkg/utils"
	"github.com/spf13/cobra"
)

func tariffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tariff",
		Short: "Inspect HS code reference data",
	}

	var reference string
	resolve := &cobra.Command{
		Use:   "resolve <item-code> [description...]",
		Short: "Resolve the HS code of one line item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if reference == "" {
				reference = cfg.Tariff.ReferencePath
			}
			fallback, err := cfg.FallbackCodes()
			if err != nil {
				return err
			}

			logger, err := utils.NewCommandLogger(verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			index := tariff.NewIndex(tariff.Config{MinVotes: cfg.Tariff.MinFuzzyVotes, FallbackCodes: fallback}, logger)
			if err := index.LoadWorkbook(reference); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			code, source := index.ResolveWithSource(args[0], strings.Join(args[1:], " "))
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", code, source)
			return nil
		},
	}
	resolve.Flags().StringVar(&reference, "reference", "", "reference workbook (default: tariff.reference_path)")

	cmd.AddCommand(resolve)
	return cmd
}

func postingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posting",
		Short: "Work with fiscal device posting files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <file>",
		Short: "Decode a posting file and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			record, err := posting.Decode(data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			return writeJSON(cmd, record)
		},
	})
	return cmd
}

func responseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "response",
		Short: "Work with fiscal device response files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "parse <file>",
		Short: "Parse a response file and print the fiscal data as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := fiscal.ParseResponseFile(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, data)
		},
	})
	return cmd
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
