// Package audit persists per-request usage records. Records are append-only:
// no update or delete methods exist on the store. All GORM usage is confined
// to this package — the router's usage records remain ORM-free.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/flowgate-io/flowgate/internal/router"
)

// UsageModel is the GORM model for one routed request.
type UsageModel struct {
	ID           string    `gorm:"primaryKey;type:text"`
	TenantID     string    `gorm:"index;not null"`
	UserID       string    `gorm:"index"`
	Provider     string    `gorm:"not null"`
	Action       string    `gorm:""`
	InputTokens  int       `gorm:""`
	OutputTokens int       `gorm:""`
	CostUSD      float64   `gorm:""`
	LatencyMs    int64     `gorm:""`
	Cached       bool      `gorm:""`
	CreatedAt    time.Time `gorm:"index"`
}

// TableName overrides the GORM default.
func (UsageModel) TableName() string { return "usage_records" }

// TenantTotals is the aggregate usage view for one tenant.
type TenantTotals struct {
	Requests     int64   `json:"requests"`
	CacheHits    int64   `json:"cache_hits"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Config configures the audit store backend.
type Config struct {
	Driver string // "sqlite" (default) or "postgres".

	// SQLite.
	Path string

	// PostgreSQL.
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30m
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store persists usage records via GORM, backed by SQLite or PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	writes sync.WaitGroup
}

// Open connects the configured backend and runs AutoMigrate.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	var db *gorm.DB
	var err error

	switch cfg.Driver {
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
			Logger:      gormLogger,
			NowFunc:     func() time.Time { return time.Now().UTC() },
			PrepareStmt: true,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", dbErr)
		}
		sqlDB.SetMaxOpenConns(cfg.maxOpen())
		sqlDB.SetMaxIdleConns(cfg.maxIdle())
		sqlDB.SetConnMaxLifetime(cfg.maxLifetime())

	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Path), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating database directory: %w", mkErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:  gormLogger,
			NowFunc: func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			return nil, fmt.Errorf("opening sqlite database: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.Driver)
	}

	if err := db.AutoMigrate(&UsageModel{}); err != nil {
		return nil, fmt.Errorf("auto-migrating usage records: %w", err)
	}

	slogger.Info("audit store opened", slog.String("driver", driverName(cfg.Driver)))
	return &Store{db: db, logger: slogger}, nil
}

func driverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

// RecordUsage appends one usage record off the request path. Fire and
// forget: failures are logged, never propagated, so a slow or broken audit
// backend cannot stall or fail requests. Close drains in-flight writes.
func (s *Store) RecordUsage(ctx context.Context, rec router.UsageRecord) {
	model := UsageModel{
		ID:           uuid.NewString(),
		TenantID:     rec.TenantID,
		UserID:       rec.UserID,
		Provider:     rec.Provider,
		Action:       string(rec.Action),
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		CostUSD:      rec.CostUSD,
		LatencyMs:    rec.LatencyMs,
		Cached:       rec.Cached,
	}
	// The request context gets canceled once the response is sent; detach
	// so the write still lands.
	writeCtx := context.WithoutCancel(ctx)
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		if err := s.db.WithContext(writeCtx).Create(&model).Error; err != nil {
			s.logger.WarnContext(writeCtx, "usage record write failed",
				slog.String("tenant_id", rec.TenantID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Recent returns a tenant's usage records, newest first. Limit defaults to 100.
func (s *Store) Recent(ctx context.Context, tenantID string, limit int) ([]UsageModel, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []UsageModel
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("querying usage records: %w", err)
	}
	return models, nil
}

// Totals aggregates a tenant's usage since the given time.
func (s *Store) Totals(ctx context.Context, tenantID string, since time.Time) (*TenantTotals, error) {
	var totals TenantTotals
	err := s.db.WithContext(ctx).
		Model(&UsageModel{}).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Select(
			"COUNT(*) AS requests, " +
				"SUM(CASE WHEN cached THEN 1 ELSE 0 END) AS cache_hits, " +
				"COALESCE(SUM(input_tokens), 0) AS input_tokens, " +
				"COALESCE(SUM(output_tokens), 0) AS output_tokens, " +
				"COALESCE(SUM(cost_usd), 0) AS cost_usd",
		).
		Scan(&totals).Error
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}
	return &totals, nil
}

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close waits for in-flight usage writes, then closes the database.
func (s *Store) Close() error {
	s.writes.Wait()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Logger is the log-only usage sink used when persistence is disabled.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a log-only usage sink.
func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

// RecordUsage writes the record to the structured log.
func (l *Logger) RecordUsage(ctx context.Context, rec router.UsageRecord) {
	l.logger.InfoContext(ctx, "request usage",
		slog.String("tenant_id", rec.TenantID),
		slog.String("user_id", rec.UserID),
		slog.String("provider", rec.Provider),
		slog.String("action", string(rec.Action)),
		slog.Int("input_tokens", rec.InputTokens),
		slog.Int("output_tokens", rec.OutputTokens),
		slog.Float64("cost_usd", rec.CostUSD),
		slog.Int64("latency_ms", rec.LatencyMs),
		slog.Bool("cached", rec.Cached),
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// Compile-time interface checks.
var (
	_ router.UsageRecorder = (*Store)(nil)
	_ router.UsageRecorder = (*Logger)(nil)
)
