package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradefabric/streambus/internal/config"
)

// Redis adapts a go-redis client to the StreamClient contract.
type Redis struct {
	rdb redis.UniversalClient
}

// NewRedis creates a StreamClient backed by a Redis-compatible server.
func NewRedis(cfg config.StoreConfig) *Redis {
	return &Redis{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// NewRedisFromClient wraps an existing client (e.g. a cluster client).
func NewRedisFromClient(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb}
}

// Append implements StreamClient.
func (r *Redis) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := r.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup implements StreamClient.
func (r *Redis) EnsureGroup(ctx context.Context, stream, group, start string) error {
	err := r.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// ReadGroup implements StreamClient.
func (r *Redis) ReadGroup(ctx context.Context, stream, group, consumer, cursor string, count int64, block time.Duration) ([]Entry, error) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, cursor},
		Count:    count,
		// A negative Block omits the BLOCK argument entirely: the server
		// returns immediately instead of blocking forever.
		Block: -1,
	}
	if block > 0 && cursor == CursorNew {
		args.Block = block
	}
	res, err := r.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}
	var entries []Entry
	for _, s := range res {
		for _, m := range s.Messages {
			entries = append(entries, fromXMessage(m))
		}
	}
	return entries, nil
}

// Ack implements StreamClient.
func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	n, err := r.rdb.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return n, nil
}

// Claim implements StreamClient.
func (r *Redis) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]Entry, error) {
	msgs, err := r.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xclaim %s/%s: %w", stream, group, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, fromXMessage(m))
	}
	return entries, nil
}

// Pending implements StreamClient.
func (r *Redis) Pending(ctx context.Context, stream, group string, count int64) ([]PendingInfo, error) {
	ext, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	infos := make([]PendingInfo, 0, len(ext))
	for _, p := range ext {
		infos = append(infos, PendingInfo{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return infos, nil
}

// Range implements StreamClient.
func (r *Redis) Range(ctx context.Context, stream, start, stop string, count int64) ([]Entry, error) {
	msgs, err := r.rdb.XRangeN(ctx, stream, start, stop, count).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, fromXMessage(m))
	}
	return entries, nil
}

// Delete implements StreamClient.
func (r *Redis) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	n, err := r.rdb.XDel(ctx, stream, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("xdel %s: %w", stream, err)
	}
	return n, nil
}

// Len implements StreamClient.
func (r *Redis) Len(ctx context.Context, stream string) (int64, error) {
	n, err := r.rdb.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// TrimMinID implements StreamClient.
func (r *Redis) TrimMinID(ctx context.Context, stream, minID string) (int64, error) {
	n, err := r.rdb.XTrimMinID(ctx, stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("xtrim %s: %w", stream, err)
	}
	return n, nil
}

// Ping implements StreamClient.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

// Close implements StreamClient.
func (r *Redis) Close() error {
	return r.rdb.Close()
}

func fromXMessage(m redis.XMessage) Entry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		switch s := v.(type) {
		case string:
			fields[k] = s
		case []byte:
			fields[k] = string(s)
		default:
			fields[k] = fmt.Sprint(v)
		}
	}
	return Entry{ID: m.ID, Fields: fields}
}
