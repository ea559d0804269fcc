// Package postgres implements [devices.Lookup] on a PostgreSQL table.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/internal/devices"
)

// Schema is the DDL for the device_profiles table. Run it with
// [Store.Migrate] or apply it during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS device_profiles (
    device_id     TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    language      TEXT NOT NULL DEFAULT '',
    voice_id      TEXT NOT NULL DEFAULT '',
    voice_speed   DOUBLE PRECISION NOT NULL DEFAULT 0,
    system_prompt TEXT NOT NULL DEFAULT '',
    greeting      TEXT NOT NULL DEFAULT '',
    llm_provider  TEXT NOT NULL DEFAULT '',
    stt_provider  TEXT NOT NULL DEFAULT '',
    tts_provider  TEXT NOT NULL DEFAULT '',
    wake_words    JSONB NOT NULL DEFAULT '[]',
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const lookupQuery = `
	SELECT device_id, name, language, voice_id, voice_speed, system_prompt,
	       greeting, llm_provider, stt_provider, tts_provider, wake_words
	FROM device_profiles
	WHERE device_id = $1`

// DB is the subset of *pgxpool.Pool and *pgx.Conn the store needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store looks device profiles up in the device_profiles table. Empty
// columns are filled from the default profile.
type Store struct {
	db   DB
	def  devices.Profile
	pool *pgxpool.Pool
}

var _ devices.Lookup = (*Store)(nil)

// New returns a store on an existing connection or pool.
func New(db DB, def devices.Profile) *Store {
	return &Store{db: db, def: def}
}

// Open connects to dsn, verifies the connection and applies [Schema].
// The returned store owns the pool; call Close when done.
func Open(ctx context.Context, dsn string, def devices.Profile) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("devices/postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("devices/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("devices/postgres: ping: %w", err)
	}
	s := &Store{db: pool, def: def, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the device_profiles table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("devices/postgres: migrate: %w", err)
	}
	return nil
}

// Lookup implements [devices.Lookup].
func (s *Store) Lookup(ctx context.Context, deviceID string) (devices.Profile, error) {
	var (
		p         devices.Profile
		wakeWords []byte
	)
	err := s.db.QueryRow(ctx, lookupQuery, deviceID).Scan(
		&p.DeviceID, &p.Name, &p.Language, &p.Voice.ID, &p.Voice.Speed, &p.SystemPrompt,
		&p.Greeting, &p.LLM, &p.STT, &p.TTS, &wakeWords,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return devices.Profile{}, fmt.Errorf("%w: %q", devices.ErrUnknownDevice, deviceID)
		}
		return devices.Profile{}, fmt.Errorf("devices/postgres: lookup %q: %w", deviceID, err)
	}
	if len(wakeWords) > 0 {
		if err := json.Unmarshal(wakeWords, &p.WakeWords); err != nil {
			return devices.Profile{}, fmt.Errorf("devices/postgres: decode wake_words for %q: %w", deviceID, err)
		}
	}
	return p.Merge(s.def), nil
}

// Ping checks the database connection. Stores built with [New] on a
// connection that does not support pinging always succeed.
func (s *Store) Ping(ctx context.Context) error {
	type pinger interface{ Ping(context.Context) error }
	if p, ok := s.db.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("devices/postgres: ping: %w", err)
		}
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
