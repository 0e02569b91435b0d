// Package sqlite backs the registry with an embedded database for
// single-node and development deployments where running postgres is overkill.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/consensus-hq/agent-pulse-sub000/internal/protocol"
	"github.com/consensus-hq/agent-pulse-sub000/internal/storage"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The modernc driver is not safe for concurrent writers on one handle.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	_ = s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS protocol_params (
    singleton        INTEGER PRIMARY KEY CHECK (singleton = 1),
    ttl_seconds      INTEGER NOT NULL,
    min_pulse_amount TEXT NOT NULL,
    paused           INTEGER NOT NULL DEFAULT 0,
    owner_address    TEXT NOT NULL,
    pending_owner    TEXT NOT NULL DEFAULT '',
    signal_sink      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_records (
    address         TEXT PRIMARY KEY,
    last_pulse_at   INTEGER NOT NULL DEFAULT 0,
    streak          INTEGER NOT NULL DEFAULT 0,
    last_streak_day INTEGER NOT NULL DEFAULT 0,
    hazard_score    INTEGER NOT NULL DEFAULT 0,
    signal_epoch    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pulse_events (
    event_index INTEGER PRIMARY KEY AUTOINCREMENT,
    agent       TEXT NOT NULL,
    amount      TEXT NOT NULL,
    pulsed_at   INTEGER NOT NULL,
    streak      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS pulse_events_agent_time ON pulse_events (agent, pulsed_at);

CREATE TABLE IF NOT EXISTS payment_requirements (
    requirement_id TEXT PRIMARY KEY,
    resource       TEXT NOT NULL,
    price_atomic   INTEGER NOT NULL,
    asset          TEXT NOT NULL,
    network        TEXT NOT NULL,
    pay_to         TEXT NOT NULL,
    expires_at     INTEGER NOT NULL,
    used_at        INTEGER
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) GetParams(ctx context.Context) (protocol.ProtocolParams, bool, error) {
	var out protocol.ProtocolParams
	var minPulse string
	var paused int
	err := s.db.QueryRowContext(ctx, `
SELECT ttl_seconds, min_pulse_amount, paused, owner_address, pending_owner, signal_sink
FROM protocol_params WHERE singleton = 1
`).Scan(&out.TTLSeconds, &minPulse, &paused, &out.Owner, &out.PendingOwner, &out.SignalSink)
	if errors.Is(err, sql.ErrNoRows) {
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
	out.Paused = paused != 0
	return out, true, nil
}

func (s *Store) SaveParams(ctx context.Context, p protocol.ProtocolParams) error {
	paused := 0
	if p.Paused {
		paused = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO protocol_params (singleton, ttl_seconds, min_pulse_amount, paused, owner_address, pending_owner, signal_sink)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT (singleton) DO UPDATE SET
  ttl_seconds = excluded.ttl_seconds,
  min_pulse_amount = excluded.min_pulse_amount,
  paused = excluded.paused,
  owner_address = excluded.owner_address,
  pending_owner = excluded.pending_owner
`, p.TTLSeconds, p.MinPulseAmount.String(), paused, p.Owner, p.PendingOwner, p.SignalSink)
	return err
}

const agentColumns = `address, last_pulse_at, streak, last_streak_day, hazard_score, signal_epoch`

func (s *Store) GetAgent(ctx context.Context, address string) (protocol.AgentRecord, bool, error) {
	var out protocol.AgentRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agent_records WHERE address = ?`, address,
	).Scan(&out.Address, &out.LastPulseAt, &out.Streak, &out.LastStreakDay, &out.HazardScore, &out.SignalEpoch)
	if errors.Is(err, sql.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	return out, true, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]protocol.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agent_records ORDER BY address`)
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

const upsertAgent = `
INSERT INTO agent_records (address, last_pulse_at, streak, last_streak_day, hazard_score, signal_epoch)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (address) DO UPDATE SET
  last_pulse_at = excluded.last_pulse_at,
  streak = excluded.streak,
  last_streak_day = excluded.last_streak_day,
  hazard_score = excluded.hazard_score,
  signal_epoch = excluded.signal_epoch
`

func (s *Store) PutAgent(ctx context.Context, rec protocol.AgentRecord) error {
	_, err := s.db.ExecContext(ctx, upsertAgent,
		rec.Address, rec.LastPulseAt, rec.Streak, rec.LastStreakDay, rec.HazardScore, rec.SignalEpoch)
	return err
}

func (s *Store) ApplyPulse(ctx context.Context, in storage.ApplyPulseInput) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	rec := in.Record
	if _, err := tx.ExecContext(ctx, upsertAgent,
		rec.Address, rec.LastPulseAt, rec.Streak, rec.LastStreakDay, rec.HazardScore, rec.SignalEpoch); err != nil {
		return err
	}
	ev := in.Event
	if _, err := tx.ExecContext(ctx, `
INSERT INTO pulse_events (agent, amount, pulsed_at, streak) VALUES (?, ?, ?, ?)
`, ev.Agent, ev.Amount.String(), ev.Timestamp, ev.Streak); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListAgentEvents(ctx context.Context, address string, limit int) ([]protocol.PulseEvent, error) {
	effective := limit
	if effective <= 0 {
		effective = 1 << 30
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT agent, amount, pulsed_at, streak FROM (
  SELECT agent, amount, pulsed_at, streak, event_index
  FROM pulse_events WHERE agent = ? ORDER BY event_index DESC LIMIT ?
) ORDER BY event_index ASC
`, address, effective)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ListEventsSince(ctx context.Context, since int64) ([]protocol.PulseEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT agent, amount, pulsed_at, streak FROM pulse_events
WHERE pulsed_at >= ? ORDER BY event_index ASC
`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]protocol.PulseEvent, error) {
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
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pulse_events`).Scan(&n)
	return n, err
}

func (s *Store) CreateRequirement(ctx context.Context, req protocol.PaymentRequirement) error {
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO payment_requirements (requirement_id, resource, price_atomic, asset, network, pay_to, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, req.RequirementID, req.Resource, req.PriceAtomic, req.Asset, req.Network, req.PayTo, req.ExpiresAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrRequirementExists
	}
	return nil
}

func (s *Store) GetRequirement(ctx context.Context, id string) (storage.RequirementRecord, bool, error) {
	var out storage.RequirementRecord
	var usedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT requirement_id, resource, price_atomic, asset, network, pay_to, expires_at, used_at
FROM payment_requirements WHERE requirement_id = ?
`, id).Scan(
		&out.Requirement.RequirementID,
		&out.Requirement.Resource,
		&out.Requirement.PriceAtomic,
		&out.Requirement.Asset,
		&out.Requirement.Network,
		&out.Requirement.PayTo,
		&out.Requirement.ExpiresAt,
		&usedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if usedAt.Valid {
		v := usedAt.Int64
		out.UsedAt = &v
	}
	return out, true, nil
}

func (s *Store) MarkRequirementUsed(ctx context.Context, id string, usedAt int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE payment_requirements SET used_at = ? WHERE requirement_id = ? AND used_at IS NULL
`, usedAt, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payment_requirements WHERE requirement_id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return storage.ErrRequirementMissing
	}
	return storage.ErrRequirementUsed
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO meta (key, value) VALUES (?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value
`, key, value)
	return err
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}
