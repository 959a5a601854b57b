package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"purchaseBack/internal/models"
)

// SQLLedgerRepository stores ledger events in one table, partitioned by the
// partition_key column. Works with the "mysql" and "pgx" drivers.
type SQLLedgerRepository struct {
	DB     *sql.DB
	driver string

	mu     sync.Mutex
	schema bool
}

func NewSQLLedgerRepository(db *sql.DB, driver string) *SQLLedgerRepository {
	return &SQLLedgerRepository{DB: db, driver: strings.ToLower(strings.TrimSpace(driver))}
}

func (r *SQLLedgerRepository) postgres() bool {
	return r.driver == "pgx" || r.driver == "postgres"
}

// ensureSchema creates the table on first use. A failed attempt is retried by
// the next call.
func (r *SQLLedgerRepository) ensureSchema(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schema {
		return nil
	}

	ddl := []string{`
CREATE TABLE IF NOT EXISTS ledger_events (
    id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
    event_id VARCHAR(64) NOT NULL,
    partition_key VARCHAR(64) NOT NULL,
    idempotency_key VARCHAR(512) NOT NULL,
    event_type VARCHAR(32) NOT NULL,
    transaction_id VARCHAR(255) NOT NULL,
    player_id VARCHAR(255) DEFAULT '',
    product_id VARCHAR(255) DEFAULT '',
    payload LONGTEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (id),
    UNIQUE KEY uniq_idempotency_key (idempotency_key),
    KEY idx_partition (partition_key),
    KEY idx_player_product (player_id, product_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;`}
	if r.postgres() {
		ddl = []string{`
CREATE TABLE IF NOT EXISTS ledger_events (
    id BIGSERIAL PRIMARY KEY,
    event_id VARCHAR(64) NOT NULL,
    partition_key VARCHAR(64) NOT NULL,
    idempotency_key VARCHAR(512) NOT NULL UNIQUE,
    event_type VARCHAR(32) NOT NULL,
    transaction_id VARCHAR(255) NOT NULL,
    player_id VARCHAR(255) DEFAULT '',
    product_id VARCHAR(255) DEFAULT '',
    payload TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
			`CREATE INDEX IF NOT EXISTS idx_ledger_partition ON ledger_events (partition_key)`,
		}
	}
	for _, stmt := range ddl {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger schema: %w", err)
		}
	}
	r.schema = true
	return nil
}

// Append relies on the unique idempotency_key: a second insert is ignored.
func (r *SQLLedgerRepository) Append(ctx context.Context, ev models.LedgerEvent) (bool, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return false, err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}

	query := `
INSERT IGNORE INTO ledger_events (event_id, partition_key, idempotency_key, event_type, transaction_id, player_id, product_id, payload)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if r.postgres() {
		query = `
INSERT INTO ledger_events (event_id, partition_key, idempotency_key, event_type, transaction_id, player_id, product_id, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (idempotency_key) DO NOTHING`
	}

	res, err := r.DB.ExecContext(ctx, query,
		ev.ID,
		ev.Partition(),
		ev.IdempotencyKey(),
		string(ev.Type),
		ev.TransactionID,
		ev.PlayerID,
		ev.ProductID,
		string(payload),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLLedgerRepository) Scan(ctx context.Context, fn func(models.LedgerEvent) error) error {
	if err := r.ensureSchema(ctx); err != nil {
		return err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT payload FROM ledger_events ORDER BY partition_key, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *SQLLedgerRepository) ListPartition(ctx context.Context, partition string) ([]models.LedgerEvent, error) {
	if err := r.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := `SELECT payload FROM ledger_events WHERE partition_key = ? ORDER BY id`
	if r.postgres() {
		query = `SELECT payload FROM ledger_events WHERE partition_key = $1 ORDER BY id`
	}
	rows, err := r.DB.QueryContext(ctx, query, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.LedgerEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close is a no-op: the *sql.DB is owned by main.
func (r *SQLLedgerRepository) Close() error {
	return nil
}

func scanEvent(rows *sql.Rows) (models.LedgerEvent, error) {
	var payload string
	if err := rows.Scan(&payload); err != nil {
		return models.LedgerEvent{}, err
	}
	var ev models.LedgerEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return models.LedgerEvent{}, fmt.Errorf("decode ledger event: %w", err)
	}
	return ev, nil
}
