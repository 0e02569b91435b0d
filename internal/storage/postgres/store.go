package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

func (s *Store) GetParams(ctx context.Context) (protocol.ProtocolParams, bool, error) {
	var out protocol.ProtocolParams
	var minPulse string
	err := s.pool.QueryRow(ctx, `
SELECT ttl_seconds, min_pulse_amount::text, paused, owner_address, pending_owner, signal_sink
FROM protocol_params WHERE singleton
`).Scan(&out.TTLSeconds, &minPulse, &out.Paused, &out.Owner, &out.PendingOwner, &out.SignalSink)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	amount, err := protocol.ParseAmount(minPulse)
	if err != nil {
		return out, false, fmt.Errorf("decode min pulse amount: %w", err)
	}
	out.MinPulseAmount = amount
	return out, true, nil
}

func (s *Store) SaveParams(ctx context.Context, p protocol.ProtocolParams) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO protocol_params (singleton, ttl_seconds, min_pulse_amount, paused, owner_address, pending_owner, signal_sink, updated_at)
VALUES (TRUE, $1, $2::numeric, $3, $4, $5, $6, NOW())
ON CONFLICT (singleton) DO UPDATE SET
  ttl_seconds = EXCLUDED.ttl_seconds,
  min_pulse_amount = EXCLUDED.min_pulse_amount,
  paused = EXCLUDED.paused,
  owner_address = EXCLUDED.owner_address,
  pending_owner = EXCLUDED.pending_owner,
  updated_at = NOW()
`, p.TTLSeconds, p.MinPulseAmount.String(), p.Paused, p.Owner, p.PendingOwner, p.SignalSink)
	return err
}

func (s *Store) GetAgent(ctx context.Context, address string) (protocol.AgentRecord, bool, error) {
	var out protocol.AgentRecord
	err := s.pool.QueryRow(ctx, `
SELECT address, last_pulse_at, streak, last_streak_day, hazard_score, signal_epoch
FROM agent_records WHERE address = $1
`, address).Scan(&out.Address, &out.LastPulseAt, &out.Streak, &out.LastStreakDay, &out.HazardScore, &out.SignalEpoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]protocol.AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT address, last_pulse_at, streak, last_streak_day, hazard_score, signal_epoch
FROM agent_records ORDER BY address
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []protocol.AgentRecord
	for rows.Next() {
		var rec protocol.AgentRecord
		if err := rows.Scan(&rec.Address, &rec.LastPulseAt, &rec.Streak, &rec.LastStreakDay, &rec.HazardScore, &rec.SignalEpoch); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutAgent(ctx context.Context, rec protocol.AgentRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO agent_records (address, last_pulse_at, streak, last_streak_day, hazard_score, signal_epoch, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (address) DO UPDATE SET
  last_pulse_at = EXCLUDED.last_pulse_at,
  streak = EXCLUDED.streak,
  last_streak_day = EXCLUDED.last_streak_day,
  hazard_score = EXCLUDED.hazard_score,
  signal_epoch = EXCLUDED.signal_epoch,
  updated_at = NOW()
`, rec.Address, rec.LastPulseAt, rec.Streak, rec.LastStreakDay, rec.HazardScore, rec.SignalEpoch)
	return err
}

func (s *Store) ApplyPulse(ctx context.Context, in storage.ApplyPulseInput) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rec := in.Record
	if _, err := tx.Exec(ctx, `
INSERT INTO agent_records (address, last_pulse_at, streak, last_streak_day, hazard_score, signal_epoch, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (address) DO UPDATE SET
  last_pulse_at = EXCLUDED.last_pulse_at,
  streak = EXCLUDED.streak,
  last_streak_day = EXCLUDED.last_streak_day,
  hazard_score = EXCLUDED.hazard_score,
  signal_epoch = EXCLUDED.signal_epoch,
  updated_at = NOW()
`, rec.Address, rec.LastPulseAt, rec.Streak, rec.LastStreakDay, rec.HazardScore, rec.SignalEpoch); err != nil {
		return err
	}

	ev := in.Event
	if _, err := tx.Exec(ctx, `
INSERT INTO pulse_events (agent, amount, pulsed_at, streak) VALUES ($1, $2::numeric, $3, $4)
`, ev.Agent, ev.Amount.String(), ev.Timestamp, ev.Streak); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) ListAgentEvents(ctx context.Context, address string, limit int) ([]protocol.PulseEvent, error) {
	query := `
SELECT agent, amount::text, pulsed_at, streak FROM (
  SELECT agent, amount, pulsed_at, streak, event_index
  FROM pulse_events WHERE agent = $1 ORDER BY event_index DESC LIMIT $2
) trailing ORDER BY event_index ASC
`
	effective := limit
	if effective <= 0 {
		effective = 1 << 30
	}
	rows, err := s.pool.Query(ctx, query, address, effective)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ListEventsSince(ctx context.Context, since int64) ([]protocol.PulseEvent, error) {
	rows, err := s.pool.Query(ctx, `
SELECT agent, amount::text, pulsed_at, streak FROM pulse_events
WHERE pulsed_at >= $1 ORDER BY event_index ASC
`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]protocol.PulseEvent, error) {
	var out []protocol.PulseEvent
	for rows.Next() {
		var ev protocol.PulseEvent
		var amount string
		if err := rows.Scan(&ev.Agent, &amount, &ev.Timestamp, &ev.Streak); err != nil {
			return nil, err
		}
		parsed, err := protocol.ParseAmount(amount)
		if err != nil {
			return nil, fmt.Errorf("decode event amount: %w", err)
		}
		ev.Amount = parsed
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM pulse_events`).Scan(&n)
	return n, err
}

func (s *Store) CreateRequirement(ctx context.Context, req protocol.PaymentRequirement) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO payment_requirements (requirement_id, resource, price_atomic, asset, network, pay_to, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (requirement_id) DO NOTHING
`, req.RequirementID, req.Resource, req.PriceAtomic, req.Asset, req.Network, req.PayTo, req.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrRequirementExists
	}
	return nil
}

func (s *Store) GetRequirement(ctx context.Context, id string) (storage.RequirementRecord, bool, error) {
	var out storage.RequirementRecord
	err := s.pool.QueryRow(ctx, `
SELECT requirement_id, resource, price_atomic, asset, network, pay_to, expires_at, used_at
FROM payment_requirements WHERE requirement_id = $1
`, id).Scan(
		&out.Requirement.RequirementID,
		&out.Requirement.Resource,
		&out.Requirement.PriceAtomic,
		&out.Requirement.Asset,
		&out.Requirement.Network,
		&out.Requirement.PayTo,
		&out.Requirement.ExpiresAt,
		&out.UsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (s *Store) MarkRequirementUsed(ctx context.Context, id string, usedAt int64) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE payment_requirements SET used_at = $2 WHERE requirement_id = $1 AND used_at IS NULL
`, id, usedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_requirements WHERE requirement_id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return storage.ErrRequirementMissing
	}
	return storage.ErrRequirementUsed
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO meta (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
`, key, value)
	return err
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM meta WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
