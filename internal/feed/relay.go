package feed

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const relayChannel = "messaging:feed"

// RedisRelay fans changes out to every instance through Redis pub/sub.
// Changes that originated here are skipped on the way back in.
type RedisRelay struct {
	rdb *redis.Client
	bus *Bus
	log zerolog.Logger
}

// NewRedisRelay attaches a relay to bus. Call Run to start receiving.
func NewRedisRelay(rdb *redis.Client, bus *Bus, log zerolog.Logger) *RedisRelay {
	r := &RedisRelay{rdb: rdb, bus: bus, log: log}
	bus.SetForwarder(r)
	return r
}

// Forward publishes a local change to the shared channel.
func (r *RedisRelay) Forward(ctx context.Context, ch Change) error {
	body, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, relayChannel, body).Err()
}

// Run receives remote changes until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) {
	sub := r.rdb.Subscribe(ctx, relayChannel)
	defer sub.Close()

	msgs := sub.Channel()
	r.log.Info().Str("channel", relayChannel).Str("origin", r.bus.Origin()).Msg("feed relay subscribed")
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.receive([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) receive(payload []byte) {
	var ch Change
	if err := json.Unmarshal(payload, &ch); err != nil {
		r.log.Warn().Err(err).Msg("feed relay: bad payload")
		return
	}
	if ch.Origin == r.bus.Origin() {
		return
	}
	r.bus.Deliver(ch)
}
