package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/andresuchdata/spoolrelay/internal/domain"
	"github.com/andresuchdata/spoolrelay/internal/repository"
)

const transfersSchema = `
	CREATE TABLE IF NOT EXISTS transfers (
		transfer_id TEXT PRIMARY KEY,
		request_id  TEXT NOT NULL,
		filename    TEXT NOT NULL,
		bucket      TEXT NOT NULL,
		object_key  TEXT NOT NULL,
		bytes       BIGINT NOT NULL DEFAULT 0,
		etag        TEXT NOT NULL DEFAULT '',
		version_id  TEXT NOT NULL DEFAULT '',
		stage       TEXT NOT NULL,
		fail_stage  TEXT NOT NULL DEFAULT '',
		outcome     TEXT NOT NULL,
		fail_kind   TEXT NOT NULL DEFAULT '',
		message     TEXT NOT NULL DEFAULT '',
		spool_path  TEXT NOT NULL DEFAULT '',
		spool_kept  BOOLEAN NOT NULL DEFAULT FALSE,
		started_at  TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		swept_at    TIMESTAMPTZ
	)
`

var transfersIndexes = []string{
	`CREATE INDEX IF NOT EXISTS transfers_request_id_idx ON transfers (request_id)`,
	`CREATE INDEX IF NOT EXISTS transfers_leaked_idx ON transfers (finished_at) WHERE spool_kept AND swept_at IS NULL`,
}

type transferRepository struct {
	db *DB
}

func NewTransferRepository(db *DB) *transferRepository {
	return &transferRepository{db: db}
}

// EnsureSchema creates the transfers table if it is missing.
func (r *transferRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, transfersSchema); err != nil {
		return fmt.Errorf("failed to create transfers table: %w", err)
	}
	for _, stmt := range transfersIndexes {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create transfers index: %w", err)
		}
	}
	return nil
}

func (r *transferRepository) SaveTransfer(ctx context.Context, rec *domain.TransferRecord) error {
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO transfers (
				transfer_id, request_id, filename, bucket, object_key, bytes, etag,
				version_id, stage, fail_stage, outcome, fail_kind, message,
				spool_path, spool_kept, started_at, finished_at
			) VALUES (
				:transfer_id, :request_id, :filename, :bucket, :object_key, :bytes, :etag,
				:version_id, :stage, :fail_stage, :outcome, :fail_kind, :message,
				:spool_path, :spool_kept, :started_at, :finished_at
			)
			ON CONFLICT (transfer_id)
			DO UPDATE SET
				bytes = EXCLUDED.bytes,
				etag = EXCLUDED.etag,
				version_id = EXCLUDED.version_id,
				stage = EXCLUDED.stage,
				fail_stage = EXCLUDED.fail_stage,
				outcome = EXCLUDED.outcome,
				fail_kind = EXCLUDED.fail_kind,
				message = EXCLUDED.message,
				spool_path = EXCLUDED.spool_path,
				spool_kept = EXCLUDED.spool_kept,
				finished_at = EXCLUDED.finished_at
		`
		if _, err := tx.NamedExecContext(ctx, query, rec); err != nil {
			return fmt.Errorf("failed to save transfer %s: %w", rec.TransferID, err)
		}
		return nil
	})
}

func (r *transferRepository) ListLeaked(ctx context.Context) ([]*domain.TransferRecord, error) {
	query := `
		SELECT transfer_id, request_id, filename, bucket, object_key, bytes, etag,
			version_id, stage, fail_stage, outcome, fail_kind, message,
			spool_path, spool_kept, started_at, finished_at
		FROM transfers
		WHERE spool_kept AND swept_at IS NULL
		ORDER BY finished_at
	`
	var records []*domain.TransferRecord
	if err := r.db.SelectContext(ctx, &records, query); err != nil {
		return nil, fmt.Errorf("failed to list leaked transfers: %w", err)
	}
	return records, nil
}

func (r *transferRepository) MarkSwept(ctx context.Context, transferID string) error {
	query := r.db.Rebind(`UPDATE transfers SET swept_at = NOW() WHERE transfer_id = ?`)
	if _, err := r.db.ExecContext(ctx, query, transferID); err != nil {
		return fmt.Errorf("failed to mark transfer %s swept: %w", transferID, err)
	}
	return nil
}

func (r *transferRepository) Close() error {
	return r.db.Close()
}

var _ repository.TransferRepository = (*transferRepository)(nil)
