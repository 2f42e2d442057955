package database

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/wagginmeals/storefront/app/models"
	"github.com/wagginmeals/storefront/internal/pkg/env"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// DB is the shared connection opened by SetupDatabase.
var DB *gorm.DB

func GetDB() *gorm.DB {
	return DB
}

// SetDB replaces the shared connection, used by tests with an in-memory driver.
func SetDB(db *gorm.DB) {
	DB = db
}

// Models lists every table owned by the service.
func Models() []interface{} {
	return []interface{}{
		&models.Customer{},
		&models.Subscription{},
		&models.SubscriptionInvoice{},
		&models.SubscriptionHistory{},
		&models.NewsletterSubscriber{},
	}
}

type Config struct {
	User        string
	Password    string
	Host        string
	Port        string
	Name        string
	AutoMigrate bool
	// Attempts and Backoff cover MySQL still booting next to the app.
	Attempts int
	Backoff  time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		User:        env.GetEnv("DB_USER", ""),
		Password:    env.GetEnv("DB_PASSWORD", ""),
		Host:        env.GetEnv("DB_HOST", "127.0.0.1"),
		Port:        env.GetEnv("DB_PORT", "3306"),
		Name:        env.GetEnv("DB_NAME", ""),
		AutoMigrate: env.GetEnvBool("DB_AUTO_MIGRATE", false),
		Attempts:    env.GetEnvInt("DB_CONNECT_ATTEMPTS", 5, 1),
		Backoff:     5 * time.Second,
	}
}

// DSN is the go-sql-driver/mysql connection string. Timestamps are stored
// and read as UTC.
func (c Config) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// Open connects to MySQL, retrying up to cfg.Attempts times.
func Open(cfg Config) (*gorm.DB, error) {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for try := 1; try <= attempts; try++ {
		db, err := gorm.Open(mysql.New(mysql.Config{
			DSN:                      cfg.DSN(),
			DefaultStringSize:        256,
			DisableDatetimePrecision: true,
			DontSupportRenameIndex:   true,
			DontSupportRenameColumn:  true,
		}), &gorm.Config{})
		if err == nil {
			if cfg.AutoMigrate {
				if err := db.AutoMigrate(Models()...); err != nil {
					return nil, fmt.Errorf("auto-migrate: %w", err)
				}
			}
			return db, nil
		}
		lastErr = err
		log.Warnf("[Database] Connect to %s:%s failed (try %d/%d): %v", cfg.Host, cfg.Port, try, attempts, err)
		if try < attempts {
			time.Sleep(cfg.Backoff)
		}
	}
	return nil, fmt.Errorf("connect to mysql: %w", lastErr)
}

// SetupDatabase opens the shared connection from the environment and panics
// when MySQL stays unreachable.
func SetupDatabase() {
	db, err := Open(ConfigFromEnv())
	if err != nil {
		panic(err)
	}
	DB = db
}
