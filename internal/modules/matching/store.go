// README: Offer book backed by Redis sets, plus pub/sub resolution channels per ride.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"rideflow/internal/types"
)

const (
	modeKeyPrefix       = "matching:ride:%s:mode"
	notifiedKeyPrefix   = "matching:ride:%s:notified"
	declinedKeyPrefix   = "matching:ride:%s:declined"
	resolutionKeyPrefix = "matching:ride:%s:resolution"
	// Pending rides resolve or time out well within a day.
	keyTTL = 24 * time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// RecordDispatch stores the offer mode and adds providerIDs to the ride's notified set.
func (s *Store) RecordDispatch(ctx context.Context, rideID types.ID, mode Mode, providerIDs []types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.Set(ctx, modeKey(rideID), string(mode), keyTTL)
	if len(providerIDs) > 0 {
		members := make([]interface{}, len(providerIDs))
		for i, p := range providerIDs {
			members[i] = string(p)
		}
		pipe.SAdd(ctx, notifiedKey(rideID), members...)
		pipe.Expire(ctx, notifiedKey(rideID), keyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Mode returns the dispatch mode, or "" when the ride was never dispatched.
func (s *Store) Mode(ctx context.Context, rideID types.ID) (Mode, error) {
	val, err := s.redis.Get(ctx, modeKey(rideID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Mode(val), nil
}

func (s *Store) WasNotified(ctx context.Context, rideID, providerID types.ID) (bool, error) {
	return s.redis.SIsMember(ctx, notifiedKey(rideID), string(providerID)).Result()
}

// RecordDecline adds providerID to the declined set and returns the declined and notified counts.
func (s *Store) RecordDecline(ctx context.Context, rideID, providerID types.ID) (int64, int64, error) {
	pipe := s.redis.TxPipeline()
	pipe.SAdd(ctx, declinedKey(rideID), string(providerID))
	pipe.Expire(ctx, declinedKey(rideID), keyTTL)
	declined := pipe.SCard(ctx, declinedKey(rideID))
	notified := pipe.SCard(ctx, notifiedKey(rideID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return declined.Val(), notified.Val(), nil
}

func (s *Store) PublishResolution(ctx context.Context, res Resolution) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, resolutionKey(res.RideID), payload).Err()
}

// Subscription delivers resolutions for one ride until closed.
type Subscription interface {
	C() <-chan Resolution
	Close() error
}

// SubscribeResolutions listens for answers to the ride's offers.
// The subscription is confirmed before returning so no answer published afterwards is lost.
func (s *Store) SubscribeResolutions(ctx context.Context, rideID types.ID) (Subscription, error) {
	ps := s.redis.Subscribe(ctx, resolutionKey(rideID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	sub := &redisSubscription{ps: ps, out: make(chan Resolution, 8), done: make(chan struct{})}
	go sub.run()
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Resolution
	done chan struct{}
	once sync.Once
}

func (r *redisSubscription) run() {
	defer close(r.out)
	for msg := range r.ps.Channel() {
		var res Resolution
		if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
			continue
		}
		select {
		case r.out <- res:
		case <-r.done:
			return
		}
	}
}

func (r *redisSubscription) C() <-chan Resolution { return r.out }

func (r *redisSubscription) Close() error {
	r.once.Do(func() { close(r.done) })
	return r.ps.Close()
}

func modeKey(rideID types.ID) string {
	return fmt.Sprintf(modeKeyPrefix, string(rideID))
}

func notifiedKey(rideID types.ID) string {
	return fmt.Sprintf(notifiedKeyPrefix, string(rideID))
}

func declinedKey(rideID types.ID) string {
	return fmt.Sprintf(declinedKeyPrefix, string(rideID))
}

func resolutionKey(rideID types.ID) string {
	return fmt.Sprintf(resolutionKeyPrefix, string(rideID))
}
