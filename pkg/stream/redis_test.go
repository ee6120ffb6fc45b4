package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/charterlabs/eventcore/pkg/envelope"
	eventerrors "github.com/charterlabs/eventcore/pkg/errors"
	"github.com/charterlabs/eventcore/pkg/logger"
)

func testRedisLog(client streamClient) *RedisLog {
	return &RedisLog{
		client: client,
		logg: logger.New(logger.Options{
			ServiceName: "stream-test",
			Level:       logger.ParseLevel("debug"),
			Output:      io.Discard,
		}),
	}
}

func TestRedisLogAppendUsesNamespacedStream(t *testing.T) {
	client := newFakeStreamClient()
	log := testRedisLog(client)

	position, err := log.Append(context.Background(), "orders", testEnvelope(t, "ORDER_CREATED"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if position == "" {
		t.Fatal("expected assigned position")
	}
	if client.lastAdd.Stream != "ec:stream:orders" {
		t.Fatalf("unexpected stream key %q", client.lastAdd.Stream)
	}
	values, ok := client.lastAdd.Values.(map[string]any)
	if !ok {
		t.Fatalf("unexpected values type %T", client.lastAdd.Values)
	}
	for _, field := range []string{"id", "type", "source", "timestamp", "schema_version", "producer", "source_module"} {
		if _, ok := values[field]; !ok {
			t.Fatalf("missing wire field %q", field)
		}
	}
}

func TestRedisLogAppendRejectsInvalidEnvelope(t *testing.T) {
	client := newFakeStreamClient()
	log := testRedisLog(client)

	_, err := log.Append(context.Background(), "orders", envelope.Envelope{Type: "X"})
	if err == nil {
		t.Fatal("expected invalid envelope to be rejected")
	}
	if client.lastAdd != nil {
		t.Fatal("invalid envelope must not reach the stream")
	}
}

func TestRedisLogAppendWrapsInfrastructureErrors(t *testing.T) {
	client := newFakeStreamClient()
	client.addErr = errors.New("connection refused")
	log := testRedisLog(client)

	_, err := log.Append(context.Background(), "orders", testEnvelope(t, "ORDER_CREATED"))
	if err == nil {
		t.Fatal("expected append error")
	}
	typed := eventerrors.As(err)
	if typed == nil || typed.Code() != eventerrors.CodeDependency {
		t.Fatalf("expected DEPENDENCY_UNAVAILABLE, got %v", err)
	}
}

func TestRedisLogEnsureGroupIgnoresBusyGroup(t *testing.T) {
	client := newFakeStreamClient()
	log := testRedisLog(client)
	ctx := context.Background()

	if err := log.EnsureGroup(ctx, "orders", "billing"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := log.EnsureGroup(ctx, "orders", "billing"); err != nil {
		t.Fatalf("second ensure should swallow BUSYGROUP: %v", err)
	}
}

func TestRedisLogReadGroupDecodesEntries(t *testing.T) {
	client := newFakeStreamClient()
	log := testRedisLog(client)
	ctx := context.Background()

	env := testEnvelope(t, "ORDER_CREATED")
	position, err := log.Append(ctx, "orders", env)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := log.ReadGroup(ctx, "orders", "billing", "billing-0", 10, time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Position != position {
		t.Fatalf("position mismatch: %s vs %s", entries[0].Position, position)
	}
	if entries[0].Envelope.ID != env.ID {
		t.Fatalf("envelope id mismatch")
	}
}

func TestRedisLogReadGroupTreatsNilAsEmpty(t *testing.T) {
	client := newFakeStreamClient()
	client.readErr = goredis.Nil
	log := testRedisLog(client)

	entries, err := log.ReadGroup(context.Background(), "orders", "billing", "billing-0", 10, time.Second)
	if err != nil {
		t.Fatalf("redis.Nil should read as empty batch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty batch, got %d", len(entries))
	}
}

func TestRedisLogAckForwardsPositions(t *testing.T) {
	client := newFakeStreamClient()
	log := testRedisLog(client)

	if err := log.Ack(context.Background(), "orders", "billing", "1-0", "1-1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if client.lastAckStream != "ec:stream:orders" || client.lastAckGroup != "billing" {
		t.Fatalf("unexpected ack target %s/%s", client.lastAckStream, client.lastAckGroup)
	}
	if len(client.lastAckIDs) != 2 {
		t.Fatalf("expected 2 acked ids, got %v", client.lastAckIDs)
	}

	// acking nothing is a no-op, not an error
	client.lastAckIDs = nil
	if err := log.Ack(context.Background(), "orders", "billing"); err != nil {
		t.Fatalf("empty ack: %v", err)
	}
	if client.lastAckIDs != nil {
		t.Fatal("empty ack should not hit redis")
	}
}

func TestRedisLogClaimDecodesMessages(t *testing.T) {
	client := newFakeStreamClient()
	log := testRedisLog(client)
	ctx := context.Background()

	env := testEnvelope(t, "ORDER_CREATED")
	fields, err := env.Fields()
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	client.claimMsgs = []goredis.XMessage{{ID: "5-0", Values: fields}}

	entries, err := log.Claim(ctx, "orders", "billing", "billing-1", 30*time.Second, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(entries) != 1 || entries[0].Position != "5-0" {
		t.Fatalf("unexpected claim result %+v", entries)
	}
	if client.lastClaim.MinIdle != 30*time.Second {
		t.Fatalf("unexpected min idle %v", client.lastClaim.MinIdle)
	}
}

type fakeStreamClient struct {
	seq           int64
	messages      map[string][]goredis.XMessage
	groups        map[string]bool
	lastAdd       *goredis.XAddArgs
	addErr        error
	readErr       error
	claimMsgs     []goredis.XMessage
	lastClaim     *goredis.XAutoClaimArgs
	lastAckStream string
	lastAckGroup  string
	lastAckIDs    []string
}

func newFakeStreamClient() *fakeStreamClient {
	return &fakeStreamClient{
		messages: make(map[string][]goredis.XMessage),
		groups:   make(map[string]bool),
	}
}

func (f *fakeStreamClient) StreamKey(name string) string {
	return "ec:stream:" + name
}

func (f *fakeStreamClient) XAdd(ctx context.Context, args *goredis.XAddArgs) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.lastAdd = args
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	values := map[string]any{}
	if typed, ok := args.Values.(map[string]any); ok {
		for k, v := range typed {
			values[k] = v
		}
	}
	f.messages[args.Stream] = append(f.messages[args.Stream], goredis.XMessage{ID: id, Values: values})
	return id, nil
}

func (f *fakeStreamClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) error {
	if f.groups[group] {
		return errors.New("BUSYGROUP Consumer Group name already exists")
	}
	f.groups[group] = true
	return nil
}

func (f *fakeStreamClient) XReadGroup(ctx context.Context, args *goredis.XReadGroupArgs) ([]goredis.XStream, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	stream := args.Streams[0]
	msgs := f.messages[stream]
	f.messages[stream] = nil
	if len(msgs) == 0 {
		return nil, goredis.Nil
	}
	return []goredis.XStream{{Stream: stream, Messages: msgs}}, nil
}

func (f *fakeStreamClient) XAck(ctx context.Context, stream, group string, ids ...string) error {
	f.lastAckStream = stream
	f.lastAckGroup = group
	f.lastAckIDs = append(f.lastAckIDs, ids...)
	return nil
}

func (f *fakeStreamClient) XLen(ctx context.Context, stream string) (int64, error) {
	return int64(len(f.messages[stream])), nil
}

func (f *fakeStreamClient) XAutoClaim(ctx context.Context, args *goredis.XAutoClaimArgs) ([]goredis.XMessage, string, error) {
	f.lastClaim = args
	return f.claimMsgs, "0-0", nil
}
