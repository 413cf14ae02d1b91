package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andresuchdata/spoolrelay/internal/config"
	"github.com/andresuchdata/spoolrelay/internal/domain"
	"github.com/andresuchdata/spoolrelay/internal/repository"
	"github.com/andresuchdata/spoolrelay/pkg/logger"
)

// RedisTransferLedger keeps transfer records as JSON values with a TTL and
// tracks leaked spool artifacts in a set.
type RedisTransferLedger struct {
	client *redis.Client
	ttl    time.Duration
}

func NewTransferLedger(cfg config.CacheConfig, ttlSeconds int) (*RedisTransferLedger, error) {
	client, err := dialLedger(cfg)
	if err != nil {
		return nil, err
	}
	return NewTransferLedgerWithClient(client, time.Duration(ttlSeconds)*time.Second), nil
}

func NewTransferLedgerWithClient(client *redis.Client, ttl time.Duration) *RedisTransferLedger {
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	return &RedisTransferLedger{client: client, ttl: ttl}
}

func (l *RedisTransferLedger) SaveTransfer(ctx context.Context, rec *domain.TransferRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transfer %s: %w", rec.TransferID, err)
	}

	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, transferKey(rec.TransferID), payload, l.ttl)
		if rec.Leaked() {
			pipe.SAdd(ctx, leakedSetKey, rec.TransferID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save transfer %s: %w", rec.TransferID, err)
	}
	return nil
}

func (l *RedisTransferLedger) Get(ctx context.Context, transferID string) (*domain.TransferRecord, bool, error) {
	raw, err := l.client.Get(ctx, transferKey(transferID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get transfer %s: %w", transferID, err)
	}
	var rec domain.TransferRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode transfer %s: %w", transferID, err)
	}
	return &rec, true, nil
}

func (l *RedisTransferLedger) ListLeaked(ctx context.Context) ([]*domain.TransferRecord, error) {
	ids, err := l.client.SMembers(ctx, leakedSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list leaked: %w", err)
	}

	records := make([]*domain.TransferRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// The record expired; the artifact is only findable by scanning now.
			if err := l.client.SRem(ctx, leakedSetKey, id).Err(); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Str("transfer_id", id).Msg("failed to drop expired leaked transfer")
			}
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *RedisTransferLedger) MarkSwept(ctx context.Context, transferID string) error {
	if err := l.client.SRem(ctx, leakedSetKey, transferID).Err(); err != nil {
		return fmt.Errorf("redis mark swept %s: %w", transferID, err)
	}
	return nil
}

func (l *RedisTransferLedger) Close() error {
	return l.client.Close()
}

var _ repository.TransferRepository = (*RedisTransferLedger)(nil)
