package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the audio_artifacts table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS audio_artifacts (
    variant_hash      TEXT PRIMARY KEY,
    model_id          TEXT NOT NULL,
    voice_id          TEXT NOT NULL,
    voice_parameters  JSONB NOT NULL DEFAULT '{}',
    text              TEXT NOT NULL,
    audio             BYTEA NOT NULL,
    audio_duration_ms BIGINT NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_audio_artifacts_model ON audio_artifacts(model_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on the given connection or pool.
// The caller is responsible for calling [PostgresStore.Migrate] to ensure the
// schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Save implements [Store.Save].
func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	params := rec.VoiceParams
	if params == nil {
		params = map[string]float64{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("archive: marshal voice_parameters: %w", err)
	}

	const query = `
		INSERT INTO audio_artifacts (
			variant_hash, model_id, voice_id, voice_parameters,
			text, audio, audio_duration_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (variant_hash) DO UPDATE SET
			model_id = EXCLUDED.model_id,
			voice_id = EXCLUDED.voice_id,
			voice_parameters = EXCLUDED.voice_parameters,
			text = EXCLUDED.text,
			audio = EXCLUDED.audio,
			audio_duration_ms = EXCLUDED.audio_duration_ms`

	if _, err := s.db.Exec(ctx, query,
		rec.VariantHash, rec.ModelID, rec.VoiceID, paramsJSON,
		rec.Text, rec.Audio, rec.AudioDurationMS,
	); err != nil {
		return fmt.Errorf("archive: save %s: %w", rec.VariantHash, err)
	}
	return nil
}

// Get implements [Store.Get].
func (s *PostgresStore) Get(ctx context.Context, hash string) (*Record, error) {
	const query = `
		SELECT variant_hash, model_id, voice_id, voice_parameters,
		       text, audio, audio_duration_ms, created_at
		FROM audio_artifacts WHERE variant_hash = $1`

	var (
		rec        Record
		paramsJSON []byte
	)
	err := s.db.QueryRow(ctx, query, hash).Scan(
		&rec.VariantHash, &rec.ModelID, &rec.VoiceID, &paramsJSON,
		&rec.Text, &rec.Audio, &rec.AudioDurationMS, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", hash, err)
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &rec.VoiceParams); err != nil {
			return nil, fmt.Errorf("archive: decode voice_parameters for %s: %w", hash, err)
		}
	}
	return &rec, nil
}
