package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/charterlabs/eventcore/pkg/config"
	"github.com/charterlabs/eventcore/pkg/logger"
	"github.com/charterlabs/eventcore/pkg/producer"
	"github.com/charterlabs/eventcore/pkg/redis"
	"github.com/charterlabs/eventcore/pkg/stream"
)

// A small operational tool for appending a single event to a stream, used
// for smoke tests and manual replays.
func main() {
	ctx := context.Background()
	logg := logger.New(logger.Options{ServiceName: "producer"})

	_ = godotenv.Load()

	streamName := flag.String("stream", "", "target stream name")
	eventType := flag.String("type", "", "event type")
	target := flag.String("target", "", "optional logical destination hint")
	payload := flag.String("payload", "{}", "event payload as JSON")
	source := flag.String("source", "producer-cli", "logical producer name")
	module := flag.String("module", "ops", "originating subsystem name")
	schemaVersion := flag.Int("schema-version", 1, "envelope schema version")
	flag.Parse()

	if *streamName == "" || *eventType == "" {
		fmt.Fprintln(os.Stderr, "both -stream and -type are required")
		os.Exit(1)
	}

	var data any
	if err := json.Unmarshal([]byte(*payload), &data); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -payload JSON: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	requireResource(ctx, logg, "config", err)

	logg = logger.New(logger.Options{
		ServiceName: "producer",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	if cfg.Stream.IsMemoryBackend() {
		fmt.Fprintln(os.Stderr, "the memory backend is single-process; events appended here are invisible to workers")
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	requireResource(ctx, logg, "redis", err)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(ctx, "error closing redis client", err)
		}
	}()

	eventLog, err := stream.NewRedisLog(redisClient, cfg.Stream.MaxLen, logg)
	requireResource(ctx, logg, "event log", err)

	emitter, err := producer.New(eventLog, logg, *source, *module, *schemaVersion)
	requireResource(ctx, logg, "producer", err)

	position, err := emitter.Emit(ctx, *streamName, producer.Event{
		Type:   *eventType,
		Target: *target,
		Data:   data,
	})
	if err != nil {
		logg.Error(ctx, "failed to emit event", err)
		os.Exit(1)
	}
	fmt.Println("appended at position:", position)
}

func requireResource(ctx context.Context, logg *logger.Logger, resource string, err error) {
	if err == nil {
		return
	}
	logg.Error(ctx, fmt.Sprintf("resource not working: %s", resource), err)
	os.Exit(1)
}
