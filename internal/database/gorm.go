package database

import (
	"errors"
	"fmt"

	"zapflow/internal/config"
	applog "zapflow/internal/logger"
	"zapflow/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Dialector picks the gorm driver for cfg.DBDriver.
func Dialector(cfg *config.Config) (gorm.Dialector, error) {
	switch cfg.DBDriver {
	case "sqlite", "":
		return sqlite.Open(cfg.DBPath + "?_foreign_keys=on&_busy_timeout=5000"), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
		return postgres.Open(dsn), nil
	case "sqlserver":
		dsn := fmt.Sprintf("sqlserver://%s:%s@%s:%s?database=%s",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
		return sqlserver.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// Open connects to the configured database and migrates every model.
func Open(cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	return OpenDialector(dialector, logger.Default.LogMode(applog.GormLevel(cfg.LogLevel)), log)
}

// OpenDialector is Open for an explicit dialector, used by tests and the
// migration tool.
func OpenDialector(dialector gorm.Dialector, sqlLog logger.Interface, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: sqlLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", dialector.Name(), err)
	}
	if dialector.Name() == "sqlite" {
		// Single writer; concurrent transactions queue on the pool instead
		// of failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	log.Info().Str("driver", dialector.Name()).Msg("Connected to database")

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	log.Info().Msg("Database migration completed")
	return db, nil
}

// SyncConfig reconciles the WhatsApp credentials between the config and the
// system_settings table. Stored values win; unset rows are seeded from cfg.
func SyncConfig(db *gorm.DB, cfg *config.Config, log zerolog.Logger) error {
	settings := []struct {
		Key   string
		Value *string
	}{
		{"VERIFY_TOKEN", &cfg.VerifyToken},
		{"WHATSAPP_TOKEN", &cfg.WhatsAppToken},
		{"PHONE_NUMBER_ID", &cfg.PhoneNumberID},
		{"WABA_ID", &cfg.WhatsAppBusinessAccountID},
	}

	for _, s := range settings {
		var setting models.SystemSetting
		err := db.Where(&models.SystemSetting{Key: s.Key}).First(&setting).Error
		switch {
		case err == nil:
			if setting.Value != "" {
				*s.Value = setting.Value
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			if *s.Value == "" {
				continue
			}
			if err := db.Create(&models.SystemSetting{Key: s.Key, Value: *s.Value}).Error; err != nil {
				return fmt.Errorf("seed %s: %w", s.Key, err)
			}
		default:
			return fmt.Errorf("read %s: %w", s.Key, err)
		}
	}
	log.Info().Msg("System settings synchronized from database")
	return nil
}
