package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mrmushfiq/llm0-keypool/internal/shared/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS hypotheses (
	id                TEXT PRIMARY KEY,
	statement         TEXT NOT NULL,
	background        TEXT NOT NULL DEFAULT '',
	expected_outcomes JSONB NOT NULL DEFAULT '[]',
	implications      JSONB NOT NULL DEFAULT '[]',
	model             TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS gateway_logs (
	id            BIGSERIAL PRIMARY KEY,
	method        TEXT NOT NULL,
	endpoint      TEXT NOT NULL,
	pool          TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	provider      TEXT NOT NULL DEFAULT '',
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	cache_hit     BOOLEAN NOT NULL DEFAULT FALSE,
	status_code   INTEGER NOT NULL,
	error_message TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema creates the tables used by the gateway if they are missing
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveHypothesis stores a generated hypothesis
func (db *DB) SaveHypothesis(ctx context.Context, h *models.Hypothesis) error {
	outcomes, err := json.Marshal(h.ExpectedOutcomes)
	if err != nil {
		return fmt.Errorf("failed to encode expected outcomes: %w", err)
	}
	implications, err := json.Marshal(h.Implications)
	if err != nil {
		return fmt.Errorf("failed to encode implications: %w", err)
	}

	query := `
		INSERT INTO hypotheses (id, statement, background, expected_outcomes, implications, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = db.conn.ExecContext(ctx, query,
		h.ID,
		h.Statement,
		h.Background,
		string(outcomes),
		string(implications),
		h.Model,
		h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	return nil
}

// GetHypothesis retrieves a hypothesis by id
func (db *DB) GetHypothesis(ctx context.Context, id string) (*models.Hypothesis, error) {
	query := `
		SELECT id, statement, background, expected_outcomes, implications, model, created_at
		FROM hypotheses
		WHERE id = $1
	`

	h, err := scanHypothesis(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	return h, nil
}

// ListHypotheses returns the most recent hypotheses, newest first
func (db *DB) ListHypotheses(ctx context.Context, limit int) ([]*models.Hypothesis, error) {
	query := `
		SELECT id, statement, background, expected_outcomes, implications, model, created_at
		FROM hypotheses
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var out []*models.Hypothesis
	for rows.Next() {
		h, err := scanHypothesis(rows)
		if err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHypothesis(row rowScanner) (*models.Hypothesis, error) {
	var (
		h            models.Hypothesis
		outcomes     []byte
		implications []byte
	)
	if err := row.Scan(&h.ID, &h.Statement, &h.Background, &outcomes, &implications, &h.Model, &h.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(outcomes, &h.ExpectedOutcomes); err != nil {
		return nil, fmt.Errorf("failed to decode expected outcomes: %w", err)
	}
	if err := json.Unmarshal(implications, &h.Implications); err != nil {
		return nil, fmt.Errorf("failed to decode implications: %w", err)
	}
	return &h, nil
}

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.GatewayLog) error {
	query := `
		INSERT INTO gateway_logs (
			method, endpoint, pool, model, provider, latency_ms,
			total_tokens, cache_hit, status_code, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := db.conn.ExecContext(ctx,
		query,
		log.Method,
		log.Endpoint,
		log.Pool,
		log.Model,
		log.Provider,
		log.LatencyMs,
		log.TotalTokens,
		log.CacheHit,
		log.StatusCode,
		log.ErrorMessage,
	)

	return err
}
