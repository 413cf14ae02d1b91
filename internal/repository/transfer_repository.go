package repository

import (
	"context"

	"github.com/andresuchdata/spoolrelay/internal/domain"
)

// TransferRepository is the ledger of finished relays, keyed by transfer id.
type TransferRepository interface {
	SaveTransfer(ctx context.Context, rec *domain.TransferRecord) error
	// ListLeaked returns relays whose spool artifact was left on disk and
	// has not been swept yet.
	ListLeaked(ctx context.Context) ([]*domain.TransferRecord, error)
	MarkSwept(ctx context.Context, transferID string) error
	Close() error
}

type noopTransferRepository struct{}

// NewNoopTransferRepository returns a ledger that records nothing.
func NewNoopTransferRepository() TransferRepository {
	return noopTransferRepository{}
}

func (noopTransferRepository) SaveTransfer(context.Context, *domain.TransferRecord) error {
	return nil
}

func (noopTransferRepository) ListLeaked(context.Context) ([]*domain.TransferRecord, error) {
	return nil, nil
}

func (noopTransferRepository) MarkSwept(context.Context, string) error { return nil }

func (noopTransferRepository) Close() error { return nil }
