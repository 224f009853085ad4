package shard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pgfan/pgfan/pkg/config"
	"github.com/pgfan/pgfan/pkg/router"
)

// NewPoolsFromConfig builds the shard pools from the proxy configuration,
// resolving each shard's credentials through the secret cache. Pools are
// created eagerly so that configuration and credential problems surface at
// startup rather than on the first client transaction.
func NewPoolsFromConfig(ctx context.Context, cfg *config.Config, secrets *config.SecretCache, logger *slog.Logger) (*Pools, error) {
	pools := NewPools(cfg.GetMaxConnections(), logger)

	for i := range cfg.Shards {
		sc := &cfg.Shards[i]
		if sc.Database == "" {
			sc.Database = cfg.Database
		}
		poolCfg, err := sc.PoolConfig(ctx, secrets)
		if err != nil {
			pools.Close()
			return nil, fmt.Errorf("shard %q: %w", sc.ID, err)
		}
		if err := pools.AddShard(ctx, router.ShardID(sc.ID), poolCfg); err != nil {
			pools.Close()
			return nil, fmt.Errorf("shard %q: %w", sc.ID, err)
		}
	}

	pools.Start()
	return pools, nil
}

// ShardIDs returns the configured shard ids in config order, for building
// the default fan-out router.
func ShardIDs(cfg *config.Config) []router.ShardID {
	ids := make([]router.ShardID, len(cfg.Shards))
	for i, sc := range cfg.Shards {
		ids[i] = router.ShardID(sc.ID)
	}
	return ids
}
