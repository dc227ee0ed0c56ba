package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-service/internal/config"
)

// Manager assigns stable buckets to audit rows so downstream aggregation
// can partition by phone hash without seeing the phone itself.
type Manager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	buckets := cfg.Bucketing.EventBuckets
	if buckets <= 0 {
		buckets = 100
	}
	m := &Manager{
		eventBuckets: buckets,
	}

	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// GetEventBucket returns a consistent bucket (0 to eventBuckets-1) for an
// identifier. Same identifier always lands in the same bucket.
func (m *Manager) GetEventBucket(identifier string) int {
	return int(m.getHash(identifier) % uint64(m.eventBuckets))
}

// GetTimeBucket truncates now to the start of its window.
func (m *Manager) GetTimeBucket(windowSeconds int) int64 {
	return time.Now().Unix() / int64(windowSeconds) * int64(windowSeconds)
}

// GetDateBucket returns the UTC date for daily partitioning.
func (m *Manager) GetDateBucket() string {
	return time.Now().UTC().Format("2006-01-02")
}

func (m *Manager) getHash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}
