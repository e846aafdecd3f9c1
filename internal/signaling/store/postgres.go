package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig controls pgx pool behavior. Zero values take safe defaults.
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	PingTimeout       time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	out := c
	if out.MaxConns <= 0 {
		out.MaxConns = 25
	}
	if out.MinConns < 0 {
		out.MinConns = 0
	}
	if out.MaxConnLifetime <= 0 {
		out.MaxConnLifetime = 30 * time.Minute
	}
	if out.MaxConnIdleTime <= 0 {
		out.MaxConnIdleTime = 5 * time.Minute
	}
	if out.HealthCheckPeriod <= 0 {
		out.HealthCheckPeriod = time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// Postgres is the pgx-backed Repository.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, pings it and applies the schema.
// dsn must not be logged; it contains secrets.
func OpenPostgres(ctx context.Context, dsn string, cfg PoolConfig) (*Postgres, error) {
	cfg = cfg.withDefaults()

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pcfg.MaxConns = cfg.MaxConns
	pcfg.MinConns = cfg.MinConns
	pcfg.MaxConnLifetime = cfg.MaxConnLifetime
	pcfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	pcfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pg := &Postgres{pool: pool}
	if err := pg.HealthCheck(ctx, cfg.PingTimeout); err != nil {
		pool.Close()
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pg, nil
}

// HealthCheck pings the database with a timeout.
func (p *Postgres) HealthCheck(ctx context.Context, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("db ping failed: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id         UUID PRIMARY KEY,
		agent_id   TEXT NOT NULL,
		call_id    TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at   TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id UUID NOT NULL REFERENCES conversations(id),
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS calls (
		id                 TEXT PRIMARY KEY,
		dialog_id          TEXT NOT NULL,
		agent_id           TEXT NOT NULL,
		phone_number       TEXT NOT NULL,
		direction          TEXT NOT NULL,
		status             TEXT NOT NULL,
		end_reason         TEXT NOT NULL DEFAULT '',
		conversation_id    TEXT NOT NULL DEFAULT '',
		campaign_call_id   TEXT NOT NULL DEFAULT '',
		transfer_requested BOOLEAN NOT NULL DEFAULT FALSE,
		started_at         TIMESTAMPTZ NOT NULL,
		ended_at           TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
		id               TEXT PRIMARY KEY,
		agent_id         TEXT NOT NULL,
		name             TEXT NOT NULL,
		status           TEXT NOT NULL,
		scheduled_at     TIMESTAMPTZ NOT NULL,
		max_retries      INT NOT NULL,
		retry_delay_ms   BIGINT NOT NULL,
		call_timeout_ms  BIGINT NOT NULL,
		initial_message  TEXT NOT NULL DEFAULT '',
		total_calls      INT NOT NULL,
		completed_calls  INT NOT NULL,
		successful_calls INT NOT NULL,
		failed_calls     INT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS campaign_calls (
		id           TEXT PRIMARY KEY,
		campaign_id  TEXT NOT NULL REFERENCES campaigns(id),
		phone_number TEXT NOT NULL,
		status       TEXT NOT NULL,
		attempts     INT NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		outcome      TEXT NOT NULL DEFAULT '',
		reason       TEXT NOT NULL DEFAULT '',
		session_id   TEXT NOT NULL DEFAULT '',
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS recordings (
		call_id      TEXT PRIMARY KEY,
		content_type TEXT NOT NULL,
		data         BYTEA NOT NULL,
		duration_ms  BIGINT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate creates missing tables. Statements run in one transaction.
func (p *Postgres) Migrate(ctx context.Context) error {
	return p.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		for _, stmt := range schema {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return nil
	})
}

// TxFunc is the unit of work executed inside a transaction.
type TxFunc func(ctx context.Context, tx pgx.Tx) error

// WithTx runs fn inside a transaction.
// - If fn returns error: tx is rolled back and the error is returned.
// - If fn panics: tx is rolled back and the panic is re-thrown.
// - If commit fails: commit error is returned.
func (p *Postgres) WithTx(ctx context.Context, fn TxFunc) (err error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()

	return fn(ctx, tx)
}

func (p *Postgres) CreateConversation(ctx context.Context, agentID, callID string) (string, error) {
	id := uuid.NewString()
	_, err := p.pool.Exec(ctx,
		`INSERT INTO conversations (id, agent_id, call_id, started_at) VALUES ($1, $2, $3, $4)`,
		id, agentID, callID, time.Now())
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (p *Postgres) AddMessage(ctx context.Context, conversationID string, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		msg.ID, conversationID, msg.Role, msg.Content, msg.Confidence, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (p *Postgres) EndConversation(ctx context.Context, conversationID string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE conversations SET ended_at = COALESCE(ended_at, $2) WHERE id = $1`,
		conversationID, time.Now())
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, conversation_id, role, content, confidence, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Confidence, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveCall(ctx context.Context, rec *CallRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO calls (id, dialog_id, agent_id, phone_number, direction, status, end_reason,
		                    conversation_id, campaign_call_id, transfer_requested, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   end_reason = EXCLUDED.end_reason,
		   conversation_id = EXCLUDED.conversation_id,
		   transfer_requested = EXCLUDED.transfer_requested,
		   ended_at = EXCLUDED.ended_at`,
		rec.ID, rec.DialogID, rec.AgentID, rec.PhoneNumber, rec.Direction, rec.Status, rec.EndReason,
		rec.ConversationID, rec.CampaignCallID, rec.TransferRequested, rec.StartedAt, rec.EndedAt)
	if err != nil {
		return fmt.Errorf("save call: %w", err)
	}
	return nil
}

func (p *Postgres) GetCall(ctx context.Context, id string) (*CallRecord, error) {
	var rec CallRecord
	err := p.pool.QueryRow(ctx,
		`SELECT id, dialog_id, agent_id, phone_number, direction, status, end_reason,
		        conversation_id, campaign_call_id, transfer_requested, started_at, ended_at
		 FROM calls WHERE id = $1`, id).
		Scan(&rec.ID, &rec.DialogID, &rec.AgentID, &rec.PhoneNumber, &rec.Direction, &rec.Status,
			&rec.EndReason, &rec.ConversationID, &rec.CampaignCallID, &rec.TransferRequested,
			&rec.StartedAt, &rec.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("call %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get call: %w", err)
	}
	return &rec, nil
}

func (p *Postgres) SaveCampaign(ctx context.Context, rec *CampaignRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO campaigns (id, agent_id, name, status, scheduled_at, max_retries, retry_delay_ms,
		                        call_timeout_ms, initial_message, total_calls, completed_calls,
		                        successful_calls, failed_calls, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   completed_calls = EXCLUDED.completed_calls,
		   successful_calls = EXCLUDED.successful_calls,
		   failed_calls = EXCLUDED.failed_calls,
		   updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.AgentID, rec.Name, rec.Status, rec.ScheduledAt, rec.MaxRetries, rec.RetryDelay,
		rec.CallTimeout, rec.InitialMessage, rec.TotalCalls, rec.CompletedCalls,
		rec.SuccessfulCalls, rec.FailedCalls, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save campaign: %w", err)
	}
	return nil
}

func (p *Postgres) SaveCampaignCall(ctx context.Context, rec *CampaignCallRecord) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO campaign_calls (id, campaign_id, phone_number, status, attempts, scheduled_at,
		                             outcome, reason, session_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   attempts = EXCLUDED.attempts,
		   scheduled_at = EXCLUDED.scheduled_at,
		   outcome = EXCLUDED.outcome,
		   reason = EXCLUDED.reason,
		   session_id = EXCLUDED.session_id,
		   updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.CampaignID, rec.PhoneNumber, rec.Status, rec.Attempts, rec.ScheduledAt,
		rec.Outcome, rec.Reason, rec.SessionID, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save campaign call: %w", err)
	}
	return nil
}

func (p *Postgres) ListCampaigns(ctx context.Context) ([]*CampaignRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, agent_id, name, status, scheduled_at, max_retries, retry_delay_ms, call_timeout_ms,
		        initial_message, total_calls, completed_calls, successful_calls, failed_calls,
		        created_at, updated_at
		 FROM campaigns ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []*CampaignRecord
	for rows.Next() {
		var r CampaignRecord
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Name, &r.Status, &r.ScheduledAt, &r.MaxRetries,
			&r.RetryDelay, &r.CallTimeout, &r.InitialMessage, &r.TotalCalls, &r.CompletedCalls,
			&r.SuccessfulCalls, &r.FailedCalls, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveRecording(ctx context.Context, rec *Recording) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO recordings (call_id, content_type, data, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (call_id) DO NOTHING`,
		rec.CallID, rec.ContentType, rec.Data, rec.Duration, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save recording: %w", err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

var _ Repository = (*Postgres)(nil)
