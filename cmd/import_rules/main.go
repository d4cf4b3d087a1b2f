// Command import_rules loads chatbot config and rules from a YAML file
// into the configured database.
package main

import (
	"context"
	"fmt"
	"os"

	"zapflow/internal/automation"
	"zapflow/internal/config"
	"zapflow/internal/database"
	"zapflow/internal/logger"
	"zapflow/internal/store"

	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "optional INI file with default settings")
	file := pflag.StringP("file", "f", "chatbot.yaml", "YAML file with config and rules")
	replace := pflag.Bool("replace", false, "delete stored rules the file does not name by id")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Console(cfg.LogLevel)

	f, err := os.Open(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open rules file")
	}
	defer f.Close()
	bundle, err := automation.LoadBundle(f)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("Failed to parse rules file")
	}

	db, err := database.Open(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	settings := automation.NewSettings(store.NewGorm(db))

	n, err := settings.Apply(context.Background(), bundle, *replace)
	if err != nil {
		log.Fatal().Err(err).Int("written", n).Msg("Import stopped")
	}
	log.Info().Int("rules", n).Bool("replace", *replace).Msg("Chatbot rules imported")
}
