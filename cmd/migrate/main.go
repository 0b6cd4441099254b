// Command migrate applies pending archive migrations, asking before each.
package main

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"node.town/tarjama/config"
	"node.town/tarjama/setup"
)

func main() {
	logger := log.New(os.Stdout)
	sqlLogger := logger.With("component", "sql")

	if err := config.Init(viper.GetViper()); err != nil {
		logger.Fatal("read config", "error", err.Error())
	}
	url := viper.GetString(config.KeyDatabaseURL)
	if len(os.Args) > 1 {
		url = os.Args[1]
	}
	if url == "" {
		logger.Fatal("missing DATABASE_URL")
	}

	logger.Info("Starting database migration process...")
	if err := setup.Migrate(context.Background(), url, sqlLogger); err != nil {
		logger.Fatal("apply migrations", "error", err.Error())
	}
	logger.Info("Migrations applied successfully")
}
