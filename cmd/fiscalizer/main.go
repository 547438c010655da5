package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/garyjia/kra-fiscalizer/internal/config"
	"github.com/garyjia/kra-fiscalizer/pkg/utils"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/config.yaml"

var (
	cfgFile string
	verbose bool
	version = "1.0.0"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fiscalizer",
		Short: "Fiscalize sales invoices through the KRA fiscal device",
		Long: `fiscalizer reads PDF sales invoices, writes posting files for the
fiscal device, waits for its response and stamps the invoice with the
fiscal seal QR code and footer.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: "+defaultConfigPath+" when present)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")

	root.AddCommand(processCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(tariffCmd())
	root.AddCommand(postingCmd())
	root.AddCommand(responseCmd())

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads --config, falling back to the default file and then to built-in defaults
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return config.Load(path)
}

// newServiceLogger builds the configured logger. Console output moves to stderr
// so stdout only carries command results; --verbose forces debug level.
func newServiceLogger(cfg *config.Config) (*zap.Logger, error) {
	lc := utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	}
	if verbose {
		lc.Level = "debug"
	}
	if lc.OutputPath == "" || lc.OutputPath == "stdout" {
		lc.OutputPath = "stderr"
	}
	return utils.NewLogger(lc)
}
