package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"session-hub/internal/model"
)

// LockStore keeps reply locks. At most one lock exists per (group, event).
type LockStore interface {
	// Acquire stores lock unless one already exists for its (group, event)
	// and returns whichever lock is in place afterwards.
	Acquire(ctx context.Context, lock model.ReplyLock) (model.ReplyLock, bool, error)
	Get(ctx context.Context, groupID, eventID string) (*model.ReplyLock, error)
	// Sweep removes locks older than their ttl and returns how many it freed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

// MemoryLockStore keeps locks in process. A lock stays in place, even past
// its ttl, until Sweep removes it.
type MemoryLockStore struct {
	mu    sync.Mutex
	locks map[string]map[string]model.ReplyLock
}

func NewMemoryLockStore() *MemoryLockStore {
	return &MemoryLockStore{locks: make(map[string]map[string]model.ReplyLock)}
}

func (s *MemoryLockStore) Acquire(_ context.Context, lock model.ReplyLock) (model.ReplyLock, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.locks[lock.GroupID]
	if !ok {
		group = make(map[string]model.ReplyLock)
		s.locks[lock.GroupID] = group
	}
	if existing, ok := group[lock.EventID]; ok {
		return existing, false, nil
	}
	group[lock.EventID] = lock
	return lock, true, nil
}

func (s *MemoryLockStore) Get(_ context.Context, groupID, eventID string) (*model.ReplyLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[groupID][eventID]
	if !ok {
		return nil, nil
	}
	return &lock, nil
}

func (s *MemoryLockStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for groupID, group := range s.locks {
		for eventID, lock := range group {
			if lock.Expired(now) {
				delete(group, eventID)
				purged++
			}
		}
		if len(group) == 0 {
			delete(s.locks, groupID)
		}
	}
	return purged, nil
}

func (s *MemoryLockStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, group := range s.locks {
		total += len(group)
	}
	return total, nil
}

const defaultRedisKeyPrefix = "session-hub:reply-lock"

// RedisLockStore shares reply locks between hub processes. Keys carry the
// lock ttl, so Redis expiry does the sweeping.
type RedisLockStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLockStore(client redis.UniversalClient, prefix string) (*RedisLockStore, error) {
	if client == nil {
		return nil, errors.New("redis client not initialized")
	}
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisLockStore{client: client, prefix: prefix}, nil
}

func (s *RedisLockStore) key(groupID, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, groupID, eventID)
}

func (s *RedisLockStore) Acquire(ctx context.Context, lock model.ReplyLock) (model.ReplyLock, bool, error) {
	if lock.TTL <= 0 {
		return model.ReplyLock{}, false, errors.New("ttl must be > 0")
	}

	raw, err := json.Marshal(lock)
	if err != nil {
		return model.ReplyLock{}, false, err
	}

	key := s.key(lock.GroupID, lock.EventID)
	ok, err := s.client.SetNX(ctx, key, raw, lock.TTL).Result()
	if err != nil {
		return model.ReplyLock{}, false, err
	}
	if ok {
		return lock, true, nil
	}

	existing, err := s.Get(ctx, lock.GroupID, lock.EventID)
	if err != nil {
		return model.ReplyLock{}, false, err
	}
	if existing == nil {
		// Expired between SETNX and GET; report the conflict and let the
		// caller retry on the next delivery.
		return model.ReplyLock{GroupID: lock.GroupID, EventID: lock.EventID}, false, nil
	}
	return *existing, false, nil
}

func (s *RedisLockStore) Get(ctx context.Context, groupID, eventID string) (*model.ReplyLock, error) {
	raw, err := s.client.Get(ctx, s.key(groupID, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var lock model.ReplyLock
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, fmt.Errorf("decode reply lock: %w", err)
	}
	return &lock, nil
}

func (s *RedisLockStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (s *RedisLockStore) Count(ctx context.Context) (int, error) {
	total := 0
	iter := s.client.Scan(ctx, 0, s.prefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		total++
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	return total, nil
}
