package export

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cryolab/cryolab/acquire"
)

// KeepReadings is how many readings are kept in each node's Redis list
const KeepReadings = 1000

// Redis is an acquire.Sink publishing every reading as JSON on a channel and
// keeping the most recent ones in the list cryolab:<node>:data
type Redis struct {
	client  redis.UniversalClient
	channel string
	log     *logrus.Entry
}

// DialRedis connects to the Redis server at addr and checks it answers
func DialRedis(ctx context.Context, addr, password string, db int, channel string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	r := NewRedis(client, channel)
	r.log.WithField("addr", addr).Info("redis connected")
	return r, nil
}

// NewRedis wraps an existing client
func NewRedis(client redis.UniversalClient, channel string) *Redis {
	return &Redis{
		client:  client,
		channel: channel,
		log:     logrus.WithField("sink", "redis"),
	}
}

// ListKey is the list readings of node are kept in
func ListKey(node string) string {
	return "cryolab:" + node + ":data"
}

// Write publishes r and pushes it onto the node's list
func (s *Redis) Write(ctx context.Context, r acquire.Reading) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding reading: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, b).Err(); err != nil {
		return fmt.Errorf("publishing reading: %w", err)
	}
	key := ListKey(r.Node)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, KeepReadings-1)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("saving reading to list failed")
	}
	return nil
}

// Recent returns up to n of the newest readings of node, newest first
func (s *Redis) Recent(ctx context.Context, node string, n int64) ([]acquire.Reading, error) {
	raw, err := s.client.LRange(ctx, ListKey(node), 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]acquire.Reading, 0, len(raw))
	for _, item := range raw {
		var r acquire.Reading
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			s.log.WithError(err).Warn("skipping malformed reading")
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// RecentSource holds the newest readings of each node, *Redis is one
type RecentSource interface {
	Recent(ctx context.Context, node string, n int64) ([]acquire.Reading, error)
}

// HTTPRecent serves the newest readings of node from src as JSON, newest
// first.  The query parameter n picks how many, default 100, at most
// KeepReadings.
func HTTPRecent(src RecentSource, node string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int64(100)
		if q := r.URL.Query().Get("n"); q != "" {
			v, err := strconv.ParseInt(q, 10, 64)
			if err != nil || v < 1 {
				http.Error(w, fmt.Sprintf("n must be a positive integer, not %q", q), http.StatusBadRequest)
				return
			}
			n = v
		}
		if n > KeepReadings {
			n = KeepReadings
		}
		out, err := src.Recent(r.Context(), node, n)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Close closes the client
func (s *Redis) Close() error {
	return s.client.Close()
}
