package repository

import (
	"fmt"

	"github.com/roach88/fragcache/internal/cluster"
	"github.com/roach88/fragcache/internal/config"
	"github.com/roach88/fragcache/internal/dialect"
	"github.com/roach88/fragcache/internal/ident"
	"github.com/roach88/fragcache/internal/lock"
	"github.com/roach88/fragcache/internal/store"
)

// Open opens the store described by cfg and builds a repository on it,
// connected to the cluster transport cfg selects. The store and the
// transport are closed by Shutdown.
func Open(cfg *config.Config, opts ...Option) (*Repository, error) {
	d, err := dialect.ByName(cfg.Database.Dialect)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenDialect(d, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	base := []Option{
		WithCacheSize(cfg.Cache.Size),
		WithBigSelectionWarningThreshold(cfg.Selection.WarnThreshold),
		WithLockOptions(
			lock.WithRetries(cfg.Lock.Retries),
			lock.WithBackOff(cfg.Lock.SleepDelay.Std(), cfg.Lock.SleepIncrement.Std()),
			lock.WithMaxElapsed(cfg.Lock.MaxElapsed.Std()),
			lock.WithCacheSize(cfg.Cache.LockCacheSize),
		),
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = ident.UUIDv7Generator{}.Generate()
	}
	var t cluster.Transport
	switch cfg.Cluster.Transport {
	case config.TransportSQL:
		t = cluster.NewSQLTransport(st, cluster.WithPollInterval(cfg.Cluster.PollInterval.Std()))
	case config.TransportKafka:
		t = cluster.NewKafkaTransport(cluster.KafkaConfig{
			Brokers: cfg.Cluster.Kafka.Brokers,
			Topic:   cfg.Cluster.Kafka.Topic,
		})
	}
	if t != nil {
		base = append(base, WithCluster(nodeID, t), withCloser(t))
	}
	base = append(base, withCloser(st))

	r, err := New(st, append(base, opts...)...)
	if err != nil {
		if t != nil {
			t.Close()
		}
		st.Close()
		return nil, err
	}
	return r, nil
}
