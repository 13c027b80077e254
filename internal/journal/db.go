package journal

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"

	"github.com/iangreen74/leviathan/internal/event"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// advisoryLockKey serializes appends across processes on PostgreSQL.
const advisoryLockKey = 0x1e71a7a4

// DBConfig configures the relational journal back-end.
type DBConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	Logger *zap.Logger
}

// DB is the relational journal back-end. The events table is append-only at
// the storage level: migrations install triggers that abort UPDATE/DELETE.
type DB struct {
	mu     sync.Mutex
	db     *gorm.DB
	driver string
}

// eventRow is the GORM mapping for one journal record. seq provides the
// append order; event_id is the idempotency key.
type eventRow struct {
	Seq       int64     `gorm:"column:seq;primaryKey;autoIncrement"`
	EventID   string    `gorm:"column:event_id;uniqueIndex;not null"`
	EventType string    `gorm:"column:event_type;not null"`
	Timestamp time.Time `gorm:"column:timestamp;index;not null"`
	ActorID   string    `gorm:"column:actor_id;not null"`
	Payload   string    `gorm:"column:payload;not null"`
	PrevHash  string    `gorm:"column:prev_hash"`
	Hash      string    `gorm:"column:hash;not null"`
}

func (eventRow) TableName() string { return "events" }

// OpenDB opens the database, applies pending migrations idempotently, and
// returns the ready journal.
func OpenDB(cfg DBConfig) (*DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("journal: logger is required")
	}

	gormCfg := &gorm.Config{Logger: newZapGORMLogger(cfg.Logger, gormlogger.Warn)}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
		err      error
		drvName  string
	)

	switch cfg.Driver {
	case "sqlite", "":
		// Open via database/sql with the modernc driver, then hand the
		// existing *sql.DB to GORM so it does not reach for go-sqlite3.
		sqlDB, err = sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("journal: open sqlite: %w", err)
		}
		// SQLite supports only one writer at a time.
		sqlDB.SetMaxOpenConns(1)

		database, err = gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("journal: init gorm with sqlite: %w", err)
		}
		drvName = "sqlite"

	case "postgres":
		database, err = gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("journal: open postgres: %w", err)
		}
		sqlDB, err = database.DB()
		if err != nil {
			return nil, fmt.Errorf("journal: get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		drvName = "postgres"

	default:
		return nil, fmt.Errorf("journal: unsupported driver %q, use \"sqlite\" or \"postgres\"", cfg.Driver)
	}

	if err := runMigrations(sqlDB, drvName, cfg.Logger); err != nil {
		return nil, fmt.Errorf("journal: migrations failed: %w", err)
	}

	return &DB{db: database, driver: drvName}, nil
}

func (d *DB) Append(ctx context.Context, e event.Event) (event.Event, error) {
	if !e.Type.Valid() {
		return event.Event{}, fmt.Errorf("journal: unknown event type %q", e.Type)
	}

	// In-process serialization; cross-process appenders coordinate through
	// the back-end (advisory lock on postgres, single writer on sqlite).
	d.mu.Lock()
	defer d.mu.Unlock()

	var sealed event.Event
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if d.driver == "postgres" {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", advisoryLockKey).Error; err != nil {
				return fmt.Errorf("advisory lock: %w", err)
			}
		}

		var count int64
		if err := tx.Model(&eventRow{}).Where("event_id = ?", e.EventID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicate
		}

		var last eventRow
		lastHash := ""
		err := tx.Order("seq DESC").Limit(1).Take(&last).Error
		switch {
		case err == nil:
			lastHash = last.Hash
		case errors.Is(err, gorm.ErrRecordNotFound):
			// empty journal
		default:
			return err
		}

		sealed = seal(e, lastHash)
		payload, err := json.Marshal(sealed.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		row := eventRow{
			EventID:   sealed.EventID,
			EventType: string(sealed.Type),
			Timestamp: sealed.Timestamp,
			ActorID:   sealed.ActorID,
			Payload:   string(payload),
			PrevHash:  sealed.PrevHash,
			Hash:      sealed.Hash,
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			return event.Event{}, ErrDuplicate
		}
		return event.Event{}, fmt.Errorf("journal: append: %w", err)
	}
	return sealed, nil
}

func (d *DB) Scan(ctx context.Context, since time.Time, limit int) ([]event.Event, error) {
	q := d.db.WithContext(ctx).Model(&eventRow{}).Order("seq ASC")
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []eventRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	events := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func (d *DB) LastHash(ctx context.Context) (string, error) {
	var last eventRow
	err := d.db.WithContext(ctx).Order("seq DESC").Limit(1).Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("journal: last hash: %w", err)
	}
	return last.Hash, nil
}

func (d *DB) Verify(ctx context.Context) error {
	events, err := d.Scan(ctx, time.Time{}, 0)
	if err != nil {
		return err
	}
	return verifyChain(events)
}

func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r eventRow) toEvent() (event.Event, error) {
	payload := map[string]any{}
	if r.Payload != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(r.Payload)))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return event.Event{}, fmt.Errorf("journal: decode payload of %s: %w", r.EventID, err)
		}
	}
	return event.Event{
		EventID:   r.EventID,
		Type:      event.Type(r.EventType),
		Timestamp: r.Timestamp.UTC(),
		ActorID:   r.ActorID,
		Payload:   payload,
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}, nil
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files for the active driver. ErrNoChange is treated as success.
func runMigrations(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("failed to locate migrations for %s: %w", driver, err)
	}
	src, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	var m *migrate.Migrate

	switch driver {
	case "sqlite":
		drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}

	case "postgres":
		drv, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("failed to create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
		if err != nil {
			return fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Info("journal migrations applied", zap.String("driver", driver))
	return nil
}
