package roster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"coteacher/internal/logging"
	"coteacher/internal/models"
	"coteacher/internal/redis"
)

const (
	redisKeyPrefix         = "roster:"
	redisInvalidateChannel = "roster:invalidate"
)

type invalidateMessage struct {
	ClassIDs []string `json:"class_ids,omitempty"`
}

// Store layers the in-memory Cache over Redis so rosters survive restarts
// and sign-out invalidation reaches every server instance. A nil Redis
// client leaves it as a plain Cache.
type Store struct {
	l1     *Cache
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		l1:     NewCache(),
		client: client,
		ttl:    ttl,
		logger: logging.OrDefault(logger).With("component", "roster"),
	}
}

func (s *Store) Cache() *Cache { return s.l1 }

func (s *Store) Get(ctx context.Context, classID string) (models.Roster, bool) {
	if r, ok := s.l1.Get(classID); ok {
		return r, true
	}
	if s.client == nil {
		return nil, false
	}
	raw, err := s.client.Get(ctx, redisKeyPrefix+classID)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("roster redis load failed", "class_id", classID, "error", err)
		}
		return nil, false
	}
	var r models.Roster
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		s.logger.Warn("roster redis decode failed", "class_id", classID, "error", err)
		return nil, false
	}
	s.l1.Set(classID, r)
	return r, true
}

func (s *Store) Set(ctx context.Context, classID string, r models.Roster) {
	s.l1.Set(classID, r)
	if s.client == nil {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		s.logger.Warn("roster redis marshal failed", "class_id", classID, "error", err)
		return
	}
	if err := s.client.Set(ctx, redisKeyPrefix+classID, data, s.ttl); err != nil {
		s.logger.Warn("roster redis store failed", "class_id", classID, "error", err)
	}
}

func (s *Store) Load(ctx context.Context, classID string, fetch Fetcher) (models.Roster, error) {
	if r, ok := s.Get(ctx, classID); ok {
		return r, nil
	}
	r, err := fetch(ctx, classID)
	if err != nil {
		return nil, err
	}
	s.Set(ctx, classID, r)
	return r.Clone(), nil
}

// Invalidate drops the named classes (all when none are named) here, in
// Redis, and on every instance listening for invalidations.
func (s *Store) Invalidate(ctx context.Context, classIDs ...string) {
	s.l1.Clear(classIDs...)
	if s.client == nil {
		return
	}
	var err error
	if len(classIDs) == 0 {
		err = s.client.DelPrefix(ctx, redisKeyPrefix)
	} else {
		keys := make([]string, len(classIDs))
		for i, id := range classIDs {
			keys[i] = redisKeyPrefix + id
		}
		err = s.client.Del(ctx, keys...)
	}
	if err != nil {
		s.logger.Warn("roster redis invalidate failed", "error", err)
	}
	payload, err := json.Marshal(invalidateMessage{ClassIDs: classIDs})
	if err != nil {
		return
	}
	if err := s.client.Publish(ctx, redisInvalidateChannel, payload); err != nil {
		s.logger.Warn("roster publish invalidation failed", "error", err)
	}
}

// StartListener clears the local cache whenever any instance publishes an
// invalidation. It returns once the subscription is established.
func (s *Store) StartListener(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	pubsub, err := s.client.Subscribe(ctx, redisInvalidateChannel)
	if err != nil {
		return err
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return err
	}
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv invalidateMessage
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					s.logger.Warn("roster invalidation decode failed", "error", err)
					continue
				}
				s.l1.Clear(inv.ClassIDs...)
			}
		}
	}()
	return nil
}
