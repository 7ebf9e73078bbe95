package main

import (
	"github.com/spf13/cobra"

	"github.com/surfscan/surfscan/internal/config"
	"github.com/surfscan/surfscan/internal/database"
	"github.com/surfscan/surfscan/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger.Init(cfg.LogLevel)
		log := logger.New("migrate")

		db, err := database.NewPostgresDB(cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBConnTimeout)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := database.RunMigrations(db); err != nil {
			return err
		}
		log.Info("schema up to date")
		return nil
	},
}
