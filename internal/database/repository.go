package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"bybit-trading-agent/internal/events"
	"bybit-trading-agent/internal/orders"
	"bybit-trading-agent/internal/trade"
	"bybit-trading-agent/internal/watch"
)

// Repository is the data-access layer. It satisfies trade.Repository.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the pool.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// TRADES
// ============================================================================

// SaveTrade inserts a freshly executed contract. The full contract is
// stored as JSONB; hot columns are denormalized for querying.
func (r *Repository) SaveTrade(ctx context.Context, c trade.Contract) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO trades (id, symbol, side, timeframe, tag, status, contract, created_at, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET status = $6, contract = $7, executed_at = $9`,
		c.ID, c.Symbol, string(c.Side), c.Timeframe, string(c.Tag), string(c.Status),
		payload, c.CreatedAt, nullableTime(c.ExecutedAt),
	)
	return err
}

// UpdateTrade rewrites a contract, including its close record.
func (r *Repository) UpdateTrade(ctx context.Context, c trade.Contract) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal contract: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		UPDATE trades
		SET status = $2, contract = $3, exit_reason = $4, realized_pnl = $5, closed_at = $6
		WHERE id = $1`,
		c.ID, string(c.Status), payload, nullableString(string(c.ExitReason)),
		c.RealizedPnL, nullableTime(c.ClosedAt),
	)
	return err
}

// OpenTrades loads every trade without a close record, for startup
// reconciliation.
func (r *Repository) OpenTrades(ctx context.Context) ([]trade.Contract, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT contract FROM trades WHERE closed_at IS NULL AND status = $1`,
		string(trade.ContractExecuted),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trade.Contract
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c trade.Contract
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("unmarshal contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Trades lists recent trades for the API, newest first.
func (r *Repository) Trades(ctx context.Context, limit int) ([]trade.Contract, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx,
		`SELECT contract FROM trades ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trade.Contract
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c trade.Contract
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("unmarshal contract: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// ORDERS
// ============================================================================

// SaveOrder upserts the local order shadow.
func (r *Repository) SaveOrder(ctx context.Context, o orders.LocalOrder) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO orders (link_id, trade_id, symbol, side, type, qty, price, reduce_only, status, avg_fill_price, filled_qty, created_at, updated_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (link_id) DO UPDATE
		SET status = $9, avg_fill_price = $10, filled_qty = $11, updated_at = $13`,
		o.LinkID, o.TradeID, o.Symbol, string(o.Side), string(o.Type), o.Qty, o.Price,
		o.ReduceOnly, string(o.Status), o.AvgFillPrice, o.FilledQty, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

// ============================================================================
// EVENTS
// ============================================================================

// SaveEvent appends one audit event. Events are never updated.
func (r *Repository) SaveEvent(ctx context.Context, e events.Event) error {
	var payload []byte
	if e.Data != nil {
		var err error
		payload, err = json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO events (id, type, symbol, trade_id, message, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), nullableString(e.Symbol), nullableString(e.TradeID),
		nullableString(e.Message), payload, e.Timestamp,
	)
	return err
}

// Events lists recent events for a symbol, newest first. Empty symbol
// lists across all symbols.
func (r *Repository) Events(ctx context.Context, symbol string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, type, COALESCE(symbol, ''), COALESCE(trade_id, ''), COALESCE(message, ''), payload, created_at
		FROM events WHERE ($1 = '' OR symbol = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.Symbol, &e.TradeID, &e.Message, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ============================================================================
// WATCHES
// ============================================================================

// SaveWatch upserts one watch rule.
func (r *Repository) SaveWatch(ctx context.Context, w watch.Rule) error {
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal watch: %w", err)
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO watches (id, symbol, rule, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET rule = $3, status = $4, updated_at = $6`,
		w.ID, w.Symbol, payload, string(w.Status), w.CreatedAt, time.Now().UTC(),
	)
	return err
}

// ActiveWatches loads the rules that survived a restart.
func (r *Repository) ActiveWatches(ctx context.Context) ([]watch.Rule, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT rule FROM watches WHERE status = $1`, string(watch.StatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []watch.Rule
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var w watch.Rule
		if err := json.Unmarshal(payload, &w); err != nil {
			return nil, fmt.Errorf("unmarshal watch: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ============================================================================
// SETTINGS
// ============================================================================

// SaveSetting upserts one settings key.
func (r *Repository) SaveSetting(ctx context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal setting %s: %w", key, err)
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = $3`,
		key, payload, time.Now().UTC(),
	)
	return err
}

// LoadSetting reads one settings key into out. Missing keys return false.
func (r *Repository) LoadSetting(ctx context.Context, key string, out interface{}) (bool, error) {
	var payload []byte
	err := r.db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, json.Unmarshal(payload, out)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
