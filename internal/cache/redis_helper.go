package cache

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andresuchdata/spoolrelay/internal/config"
)

const (
	// Ledger entries outlive any reasonable sweep interval.
	defaultLedgerTTL = 7 * 24 * time.Hour

	ledgerClientName  = "spoolrelay-ledger"
	ledgerPingTimeout = 5 * time.Second
	ledgerDialTimeout = 3 * time.Second
	ledgerIOTimeout   = 2 * time.Second

	transferKeyPrefix = "transfer:"
	leakedSetKey      = "transfers:leaked"
)

func transferKey(requestID string) string {
	return transferKeyPrefix + requestID
}

// dialLedger connects to redis and pings it before returning.
func dialLedger(cfg config.CacheConfig) (*redis.Client, error) {
	opts, err := ledgerOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), ledgerPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ledger %s unreachable: %w", opts.Addr, err)
	}
	return client, nil
}

// ledgerOptions prefers REDIS_URL and falls back to host/port fields.
func ledgerOptions(cfg config.CacheConfig) (*redis.Options, error) {
	var opts *redis.Options
	if cfg.RedisURL != "" {
		parsed, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		host, port := cfg.RedisHost, cfg.RedisPort
		if host == "" {
			host = "127.0.0.1"
		}
		if port == "" {
			port = "6379"
		}
		opts = &redis.Options{
			Addr:     net.JoinHostPort(host, port),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}
	}

	opts.ClientName = ledgerClientName
	opts.DialTimeout = ledgerDialTimeout
	opts.ReadTimeout = ledgerIOTimeout
	opts.WriteTimeout = ledgerIOTimeout
	return opts, nil
}
