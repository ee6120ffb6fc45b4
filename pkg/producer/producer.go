package producer

import (
	"context"
	"errors"

	"github.com/charterlabs/eventcore/pkg/envelope"
	"github.com/charterlabs/eventcore/pkg/logger"
	"github.com/charterlabs/eventcore/pkg/stream"
)

// Event is the producer-facing shape of a fact to publish. Data is marshaled
// into the envelope payload.
type Event struct {
	Type   string
	Target string
	Data   any
}

// Producer builds validated envelopes and appends them to the log. The
// source, producer and source module identity is fixed at construction so
// every emitted envelope carries complete audit metadata.
type Producer struct {
	log           stream.Log
	logg          *logger.Logger
	source        string
	sourceModule  string
	schemaVersion int
}

func New(log stream.Log, logg *logger.Logger, source, sourceModule string, schemaVersion int) (*Producer, error) {
	if log == nil {
		return nil, errors.New("event log is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if source == "" {
		return nil, errors.New("source is required")
	}
	if sourceModule == "" {
		return nil, errors.New("source module is required")
	}
	if schemaVersion < 1 {
		return nil, errors.New("schema version must be at least 1")
	}
	return &Producer{
		log:           log,
		logg:          logg,
		source:        source,
		sourceModule:  sourceModule,
		schemaVersion: schemaVersion,
	}, nil
}

// Emit validates and appends one event, returning the log-assigned position.
// The position, not the envelope ID, is what downstream dedup keys on: a
// retried Emit after a timeout may append twice with two fresh IDs, but each
// append gets its own position and replays stay keyed to it.
func (p *Producer) Emit(ctx context.Context, streamName string, event Event) (string, error) {
	if streamName == "" {
		return "", errors.New("stream name is required")
	}
	env, err := envelope.New(event.Type, p.source, event.Data, envelope.Meta{
		SchemaVersion: p.schemaVersion,
		Producer:      p.source,
		SourceModule:  p.sourceModule,
	})
	if err != nil {
		return "", err
	}
	if event.Target != "" {
		env = env.WithTarget(event.Target)
	}

	position, err := p.log.Append(ctx, streamName, env)
	if err != nil {
		return "", err
	}

	logCtx := p.logg.WithFields(ctx, map[string]any{
		"stream":     streamName,
		"position":   position,
		"event_id":   env.ID.String(),
		"event_type": env.Type,
	})
	p.logg.Info(logCtx, "event appended")
	return position, nil
}
