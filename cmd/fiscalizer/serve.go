package main

import (
	"github.com/garyjia/kra-fiscalizer/internal/container"
	apihttp "github.com/garyjia/kra-fiscalizer/internal/interfaces/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the batch worker and the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newServiceLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Info("Starting KRA fiscalizer",
				zap.String("version", version),
				zap.String("address", cfg.Server.Addr()))

			c, err := container.NewContainer(cfg, logger)
			if err != nil {
				return err
			}
			if err := c.Start(cmd.Context()); err != nil {
				return err
			}
			defer c.Close()

			if err := c.StartWorkers(); err != nil {
				return err
			}

			sugar := logger.Sugar()
			handlers := apihttp.NewHandlers(
				c.BatchWorker(),
				c.Session(),
				c.Repositories().Receipts,
				c.Repositories().Runs,
				sugar,
			)
			server := apihttp.NewServer(apihttp.ServerConfig{
				Host:         cfg.Server.Host,
				Port:         cfg.Server.Port,
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
			}, handlers, sugar)

			return server.Start(cmd.Context())
		},
	}
}
