package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/PanelFox/app/models"
	"github.com/ManuelReschke/PanelFox/app/repository"
	"github.com/ManuelReschke/PanelFox/internal/pkg/env"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var DB *gorm.DB

// GetDB returns the shared connection. SetupDatabase must have run.
func GetDB() *gorm.DB {
	return DB
}

// DSN builds the MySQL data source name from the DB_* environment.
func DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		env.GetEnv("DB_USER", ""),
		env.GetEnv("DB_PASSWORD", ""),
		env.GetEnv("DB_HOST", "127.0.0.1"),
		env.GetEnv("DB_PORT", "3306"),
		env.GetEnv("DB_NAME", ""),
	)
}

// Models lists every persisted type, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&models.Account{},
		&models.BalanceLog{},
		&models.Recharge{},
		&models.Provider{},
		&models.ProviderServiceCacheEntry{},
		&models.Service{},
		&models.PricingRule{},
		&models.Order{},
		&models.Refill{},
		&models.ServiceUpdateEvent{},
		&models.Setting{},
	}
}

// SetupDatabase connects with retries, migrates in dev, loads the engine settings and initializes
// the repository factory.
func SetupDatabase() {
	var err error
	cfg := &gorm.Config{}
	if !env.IsDev() {
		cfg.Logger = logger.Default.LogMode(logger.Warn)
	}

	for i := 0; i < maxRetries; i++ {
		DB, err = gorm.Open(mysql.New(mysql.Config{
			DSN:                       DSN(),
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), cfg)
		if err == nil {
			break
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			log.Infof("[Database] Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		panic(err)
	}

	// migrations/ is authoritative outside dev
	if env.IsDev() || env.GetEnvBool("DB_AUTO_MIGRATE", false) {
		if err := DB.AutoMigrate(Models()...); err != nil {
			panic(fmt.Errorf("auto migrate: %w", err))
		}
	}

	if err := models.LoadSettings(DB); err != nil {
		log.Warnf("[Database] Using default settings: %v", err)
	}
	repository.InitializeFactory(DB)
}
