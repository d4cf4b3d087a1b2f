// Command migrate_data copies every table from a SQLite database into the
// database configured for the server, typically PostgreSQL.
package main

import (
	"fmt"
	"os"

	"zapflow/internal/config"
	"zapflow/internal/database"
	"zapflow/internal/logger"
	"zapflow/internal/models"

	"github.com/spf13/pflag"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/clause"
)

const batchSize = 500

func main() {
	configPath := pflag.StringP("config", "c", "", "optional INI file with default settings")
	from := pflag.String("from", "./zapflow.db", "SQLite database to copy from")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.Console(cfg.LogLevel)

	if cfg.DBDriver == "sqlite" || cfg.DBDriver == "" {
		log.Fatal().Msg("DB_DRIVER points at SQLite; set it to the destination database")
	}

	src, err := database.OpenDialector(sqlite.Open(*from), gormlogger.Discard, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open source")
	}
	log.Info().Str("path", *from).Msg("Connected to SQLite source")

	dst, err := database.Open(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open destination")
	}

	log.Info().Msg("Starting data migration...")
	steps := []struct {
		table string
		copy  func(src, dst *gorm.DB) (int, error)
	}{
		{"contacts", copyTable[models.Contact]},
		{"contact_lists", copyTable[models.ContactList]},
		{"campaigns", copyTable[models.Campaign]},
		{"deliveries", copyTable[models.Delivery]},
		{"messages", copyTable[models.Message]},
		{"conversations", copyTable[models.Conversation]},
		{"chatbot_config", copyTable[models.ChatbotConfig]},
		{"chatbot_rules", copyTable[models.ChatbotRule]},
		{"system_settings", copyTable[models.SystemSetting]},
	}
	failed := 0
	for _, step := range steps {
		n, err := step.copy(src, dst)
		if err != nil {
			failed++
			log.Error().Err(err).Str("table", step.table).Msg("Failed to migrate table")
			continue
		}
		log.Info().Str("table", step.table).Int("rows", n).Msg("Migrated table")
	}
	if failed > 0 {
		log.Fatal().Int("failed", failed).Msg("Migration finished with errors")
	}
	log.Info().Msg("Migration completed!")
}

// copyTable copies all rows of T in batches, skipping rows whose primary
// key already exists so the tool can be re-run.
func copyTable[T any](src, dst *gorm.DB) (int, error) {
	var (
		batch []T
		total int
	)
	result := src.Model(new(T)).FindInBatches(&batch, batchSize, func(tx *gorm.DB, n int) error {
		if err := dst.Clauses(clause.OnConflict{DoNothing: true}).Create(&batch).Error; err != nil {
			return err
		}
		total += len(batch)
		return nil
	})
	return total, result.Error
}
