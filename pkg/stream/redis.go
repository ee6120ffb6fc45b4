package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/charterlabs/eventcore/pkg/envelope"
	eventerrors "github.com/charterlabs/eventcore/pkg/errors"
	"github.com/charterlabs/eventcore/pkg/logger"
	redispkg "github.com/charterlabs/eventcore/pkg/redis"
)

// RedisLog implements Log on redis streams: XADD assigns positions,
// XREADGROUP provides consumer-group fan-out, XACK advances the group, and
// XAUTOCLAIM implements timeout redelivery.
var _ Log = (*RedisLog)(nil)

type streamClient interface {
	StreamKey(name string) string
	XAdd(ctx context.Context, args *goredis.XAddArgs) (string, error)
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) error
	XReadGroup(ctx context.Context, args *goredis.XReadGroupArgs) ([]goredis.XStream, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XAutoClaim(ctx context.Context, args *goredis.XAutoClaimArgs) ([]goredis.XMessage, string, error)
	XLen(ctx context.Context, stream string) (int64, error)
}

type RedisLog struct {
	client streamClient
	logg   *logger.Logger
	maxLen int64
}

// NewRedisLog wires the log against an established redis client. The client
// is a hard dependency; construction fails fast without one.
func NewRedisLog(client *redispkg.Client, maxLen int64, logg *logger.Logger) (*RedisLog, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	return &RedisLog{client: client, logg: logg, maxLen: maxLen}, nil
}

func (l *RedisLog) Append(ctx context.Context, stream string, env envelope.Envelope) (string, error) {
	fields, err := env.Fields()
	if err != nil {
		return "", err
	}
	args := &goredis.XAddArgs{
		Stream: l.client.StreamKey(stream),
		Values: fields,
	}
	if l.maxLen > 0 {
		args.MaxLen = l.maxLen
		args.Approx = true
	}
	position, err := l.client.XAdd(ctx, args)
	if err != nil {
		return "", eventerrors.Wrap(eventerrors.CodeDependency, err, "appending to stream")
	}
	return position, nil
}

func (l *RedisLog) EnsureGroup(ctx context.Context, stream, group string) error {
	err := l.client.XGroupCreateMkStream(ctx, l.client.StreamKey(stream), group, "0")
	if err != nil && !isBusyGroup(err) {
		return eventerrors.Wrap(eventerrors.CodeDependency, err, "creating consumer group")
	}
	return nil
}

func (l *RedisLog) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := l.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{l.client.StreamKey(stream), ">"},
		Count:    count,
		Block:    block,
	})
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, eventerrors.Wrap(eventerrors.CodeDependency, err, "reading consumer group")
	}

	entries := []Entry{}
	for _, xs := range streams {
		for _, msg := range xs.Messages {
			entry, err := l.decode(ctx, stream, msg)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (l *RedisLog) Ack(ctx context.Context, stream, group string, positions ...string) error {
	if len(positions) == 0 {
		return nil
	}
	if err := l.client.XAck(ctx, l.client.StreamKey(stream), group, positions...); err != nil {
		return eventerrors.Wrap(eventerrors.CodeDependency, err, "acknowledging entries")
	}
	return nil
}

func (l *RedisLog) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Entry, error) {
	msgs, _, err := l.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   l.client.StreamKey(stream),
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	})
	if err != nil {
		return nil, eventerrors.Wrap(eventerrors.CodeDependency, err, "claiming pending entries")
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := l.decode(ctx, stream, msg)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len reports the stream length, exposed for operational checks.
func (l *RedisLog) Len(ctx context.Context, stream string) (int64, error) {
	n, err := l.client.XLen(ctx, l.client.StreamKey(stream))
	if err != nil {
		return 0, eventerrors.Wrap(eventerrors.CodeDependency, err, "reading stream length")
	}
	return n, nil
}

// decode rebuilds the envelope from the raw entry. Entries only enter the
// stream through Append, which validates, so a decode failure here means the
// stream was written around the producer boundary; surface it loudly rather
// than guessing.
func (l *RedisLog) decode(ctx context.Context, stream string, msg goredis.XMessage) (Entry, error) {
	env, err := envelope.FromFields(msg.Values)
	if err != nil {
		logCtx := l.logg.WithFields(ctx, map[string]any{
			"stream":   stream,
			"position": msg.ID,
		})
		l.logg.Error(logCtx, "undecodable stream entry", err)
		return Entry{}, err
	}
	return Entry{Position: msg.ID, Envelope: env}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}
