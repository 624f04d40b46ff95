package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"itutor/internal/config"
	"itutor/internal/models"
	"itutor/internal/utils"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Init opens the database connection described by the configuration and runs
// migrations. The handle is returned to the caller; nothing here is global.
func Init(cfg *config.Config) (*gorm.DB, error) {
	// Create base logger
	baseLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags|log.Lshortfile),
		logger.Config{
			SlowThreshold:             time.Second, // Log queries slower than 1 second
			LogLevel:                  logger.Info,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	// The reminder dispatcher runs its window query on every trigger; filter
	// it out of the SQL log so it does not drown everything else.
	filteredLogger := utils.NewFilteringGormLogger(
		baseLogger,
		`FROM "session" WHERE status =`,
	)

	gormConfig := &gorm.Config{
		Logger: filteredLogger,
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true, // Use singular table names
		},
		PrepareStmt:                              true,
		SkipDefaultTransaction:                   false,
		DisableForeignKeyConstraintWhenMigrating: false,
	}

	// Open connection with retry logic
	var db *gorm.DB
	var err error
	maxRetries := 5
	retryDelay := time.Second * 5

	for i := 0; i < maxRetries; i++ {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseDSN), gormConfig)
		if err == nil {
			break
		}
		log.Printf("Database connection attempt %d failed: %v", i+1, err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...", retryDelay)
			time.Sleep(retryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, err)
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Session and device token tables are owned by the booking and
	// registration services; migrating them here keeps local development
	// self-contained and is a no-op against the shared database.
	if err := db.AutoMigrate(
		&models.Session{},
		&models.DeviceToken{},
		&models.NotificationLog{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Println("Database connection established and migrations completed")
	return db, nil
}
