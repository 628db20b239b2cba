package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/store/migrations"
)

// Dialect selects placeholder style and migrations.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQL implements MessageStore and UserStore on database/sql.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database. Queries are written with $N placeholders and
// rebound for SQLite.
func New(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Open connects with query tracing, applies migrations and returns the store.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*SQL, error) {
	var (
		driverName string
		dialect    Dialect
	)
	attrs := otelsql.WithAttributes(semconv.DBSystemPostgreSQL)
	switch cfg.Driver {
	case config.DriverPostgres:
		driverName, dialect = "pgx", DialectPostgres
	case config.DriverSQLite:
		driverName, dialect = "sqlite", DialectSQLite
		attrs = otelsql.WithAttributes(semconv.DBSystemSqlite)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := otelsql.Open(driverName, cfg.URL, attrs)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if dialect == DialectSQLite {
		// One writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	otelsql.RegisterDBStatsMetrics(db, attrs)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies every pending embedded migration for the store's dialect.
func (s *SQL) Migrate(ctx context.Context) error {
	var (
		gooseDialect goose.Dialect
		fsys         fs.FS
		err          error
	)
	switch s.dialect {
	case DialectPostgres:
		gooseDialect = goose.DialectPostgres
		fsys, err = fs.Sub(migrations.Postgres, "postgres")
	default:
		gooseDialect = goose.DialectSQLite3
		fsys, err = fs.Sub(migrations.SQLite, "sqlite")
	}
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}

	provider, err := goose.NewProvider(gooseDialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("migrations provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrations up: %w", err)
	}
	return nil
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// rebind rewrites $N placeholders to SQLite's ?N form.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectSQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?$1")
}

func (s *SQL) Create(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.Status = StatusSent

	var attachment any
	if m.Attachment != nil {
		b, err := json.Marshal(m.Attachment)
		if err != nil {
			return fmt.Errorf("marshal attachment: %w", err)
		}
		attachment = string(b)
	}

	query :=
		`INSERT INTO messages (id, sender_id, recipient_id, cipher_text, nonce, attachment, status, status_rank, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`

	created := m.CreatedAt.UnixMilli()
	if _, err := s.db.ExecContext(ctx, s.rebind(query),
		m.ID, m.SenderID, m.RecipientID, m.CipherText, m.Nonce, attachment,
		string(StatusSent), StatusSent.Rank(), created); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *SQL) UpdateStatus(ctx context.Context, id string, status MessageStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	query :=
		`UPDATE messages SET status = $1, status_rank = $2, updated_at = $3
		 WHERE id = $4 AND status_rank < $2`

	res, err := s.db.ExecContext(ctx, s.rebind(query),
		string(status), status.Rank(), time.Now().UnixMilli(), id)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n > 0, nil
}

func (s *SQL) MarkSeen(ctx context.Context, senderID, recipientID string) (int64, error) {
	query :=
		`UPDATE messages SET status = $1, status_rank = $2, updated_at = $3
		 WHERE sender_id = $4 AND recipient_id = $5 AND status = $6`

	res, err := s.db.ExecContext(ctx, s.rebind(query),
		string(StatusSeen), StatusSeen.Rank(), time.Now().UnixMilli(),
		senderID, recipientID, string(StatusDelivered))
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (s *SQL) Get(ctx context.Context, id string) (*Message, error) {
	query :=
		`SELECT id, sender_id, recipient_id, cipher_text, nonce, attachment, status, created_at
		 FROM messages WHERE id = $1`

	var (
		m          Message
		attachment sql.NullString
		status     string
		created    int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(query), id).Scan(
		&m.ID, &m.SenderID, &m.RecipientID, &m.CipherText, &m.Nonce, &attachment, &status, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	m.Status = MessageStatus(status)
	m.CreatedAt = time.UnixMilli(created).UTC()
	if attachment.Valid && attachment.String != "" {
		var a Attachment
		if err := json.Unmarshal([]byte(attachment.String), &a); err != nil {
			return nil, fmt.Errorf("decode attachment: %w", err)
		}
		m.Attachment = &a
	}
	return &m, nil
}

func (s *SQL) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	query :=
		`INSERT INTO user_presence (user_id, last_seen_at) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET last_seen_at = excluded.last_seen_at`

	if _, err := s.db.ExecContext(ctx, s.rebind(query), userID, at.UnixMilli()); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
