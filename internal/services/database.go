package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"glowledger_app/internal/logging"
	"glowledger_app/internal/models"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// InitDB opens the ledger store. Postgres URLs and key=value DSNs select
// postgres; file paths and sqlite:// URLs select SQLite.
func InitDB(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	dialect, err := detectDialect(trimmed)
	if err != nil {
		return nil, err
	}

	var db *gorm.DB
	switch dialect {
	case DialectPostgres:
		db, err = gorm.Open(postgres.Open(trimmed), &gorm.Config{
			Logger:  logging.NewGormLogger(),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
	default:
		path := sqlitePath(trimmed)
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if errMkdir := os.MkdirAll(dir, 0755); errMkdir != nil {
				return nil, fmt.Errorf("db: create sqlite dir: %w", errMkdir)
			}
		}
		db, err = gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"), &gorm.Config{
			Logger:  logging.NewGormLogger(),
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
	}
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", dialect, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite {
		// SQLite has a single writer; one connection makes transactions queue
		// instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errPing := sqlDB.PingContext(pingCtx); errPing != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("db: ping: %w", errPing)
	}

	log.WithField("dialect", dialect).Info("Database connection established")
	return db, nil
}

func detectDialect(dsn string) (string, error) {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://"):
		return DialectPostgres, nil
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		return DialectPostgres, nil
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"), !strings.Contains(lower, "://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("db: unsupported dsn: %s", dsn)
	}
}

func sqlitePath(dsn string) string {
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "sqlite://"):
		return dsn[len("sqlite://"):]
	case strings.HasPrefix(lower, "file:"):
		return dsn[len("file:"):]
	}
	return dsn
}

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB) error {
	log.Info("Running database migrations...")

	err := db.AutoMigrate(
		&models.Client{},
		&models.ClientNotifPreference{},
		&models.Service{},
		&models.PackageOption{},
		&models.Reward{},
		&models.WeeklySchedule{},
		&models.BlockedDate{},
		&models.SlotLock{},
		&models.Package{},
		&models.Appointment{},
		&models.LoyaltyAccount{},
		&models.LoyaltyTransaction{},
		&models.RewardRedemption{},
		&models.ReferralCode{},
		&models.Referral{},
		&models.Review{},
		&models.Payment{},
		&models.PaymentCallbackHistory{},
		&models.DomainEvent{},
		&models.ScheduledTask{},
		&models.ScheduledTaskHistory{},
	)
	if err != nil {
		return err
	}

	log.Info("Database migrations completed")
	return nil
}

// forUpdate adds a row lock on dialects that support it. SQLite serializes
// writers itself and rejects FOR UPDATE.
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == DialectPostgres {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

// isDuplicateKey reports whether err is a unique-constraint violation on either dialect.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
