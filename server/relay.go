package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const relayPrefix = "mace:"

// RedisRelay publishes through Redis so that every server process sharing
// the Redis instance delivers to its own local sessions.
type RedisRelay struct {
	rdb   *redis.Client
	local *Registry
	log   *logrus.Logger
}

func NewRedisRelay(rdb *redis.Client, local *Registry, log *logrus.Logger) *RedisRelay {
	if log == nil {
		log = logrus.New()
	}
	return &RedisRelay{rdb: rdb, local: local, log: log}
}

func relayChannel(identityKey string) string {
	return relayPrefix + identityKey
}

func (r *RedisRelay) Publish(ctx context.Context, identityKey string, payload []byte) error {
	if err := r.rdb.Publish(ctx, relayChannel(identityKey), payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Run forwards relayed payloads to the local registry until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, relayPrefix+"*")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}
	r.log.Info("relaying updates through redis")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			key := strings.TrimPrefix(msg.Channel, relayPrefix)
			r.log.WithField("identity", key).Debug("relaying message from redis")
			r.local.Publish(ctx, key, []byte(msg.Payload))
		}
	}
}
