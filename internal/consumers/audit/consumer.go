package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"

	"github.com/charterlabs/eventcore/pkg/envelope"
	eventerrors "github.com/charterlabs/eventcore/pkg/errors"
	"github.com/charterlabs/eventcore/pkg/logger"
)

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// Consumer mirrors consumed envelopes into a BigQuery audit table. It is a
// handler behind the dedup engine: the engine guarantees each position is
// ingested at most once, so this code carries no idempotency bookkeeping of
// its own.
type Consumer struct {
	client      tableInserter
	table       string
	logg        *logger.Logger
	eventFilter map[string]struct{}
}

// NewConsumer builds the audit ingester. An empty eventTypes list means
// every event type is ingested.
func NewConsumer(client tableInserter, table string, eventTypes []string, logg *logger.Logger) (*Consumer, error) {
	if client == nil {
		return nil, fmt.Errorf("bigquery client required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("bigquery table name required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}

	var filter map[string]struct{}
	if len(eventTypes) > 0 {
		filter = make(map[string]struct{}, len(eventTypes))
		for _, eventType := range eventTypes {
			trimmed := strings.TrimSpace(eventType)
			if trimmed != "" {
				filter[trimmed] = struct{}{}
			}
		}
	}

	return &Consumer{
		client:      client,
		table:       strings.TrimSpace(table),
		logg:        logg,
		eventFilter: filter,
	}, nil
}

// EventTypes lists the configured filter, nil when ingesting everything.
func (c *Consumer) EventTypes() []string {
	if c.eventFilter == nil {
		return nil
	}
	types := make([]string, 0, len(c.eventFilter))
	for eventType := range c.eventFilter {
		types = append(types, eventType)
	}
	return types
}

// Handle ingests one envelope. A storage failure is transient so the entry
// redelivers; an undecodable payload is permanent and lands in the audit
// trail as a poison record instead of blocking the stream.
func (c *Consumer) Handle(ctx context.Context, env envelope.Envelope) error {
	logCtx := c.logg.WithFields(ctx, map[string]any{
		"event_id":   env.ID.String(),
		"event_type": env.Type,
	})

	if c.eventFilter != nil {
		if _, ok := c.eventFilter[env.Type]; !ok {
			c.logg.Info(logCtx, "event not handled by audit consumer")
			return nil
		}
	}

	row, err := buildRow(env)
	if err != nil {
		c.logg.Error(logCtx, "failed to build audit row", err)
		return err
	}

	if err := c.client.InsertRows(ctx, c.table, []any{row}); err != nil {
		c.logg.Error(logCtx, "failed to insert audit row", err)
		return eventerrors.Wrap(eventerrors.CodeDependency, err, "inserting audit row")
	}

	c.logg.Info(logCtx, "event ingested into audit table")
	return nil
}

type auditRow struct {
	EventID       string             `bigquery:"event_id"`
	EventType     string             `bigquery:"event_type"`
	Source        string             `bigquery:"source"`
	Target        *string            `bigquery:"target"`
	Producer      string             `bigquery:"producer"`
	SourceModule  string             `bigquery:"source_module"`
	SchemaVersion int                `bigquery:"schema_version"`
	OccurredAt    time.Time          `bigquery:"occurred_at"`
	Payload       cbigquery.NullJSON `bigquery:"payload"`
}

func buildRow(env envelope.Envelope) (*auditRow, error) {
	payloadJSON := cbigquery.NullJSON{}
	if len(env.Payload) > 0 {
		if !json.Valid(env.Payload) {
			return nil, eventerrors.New(eventerrors.CodeMalformedPayload, "payload is not valid JSON")
		}
		payloadJSON.Valid = true
		payloadJSON.JSONVal = string(env.Payload)
	}

	return &auditRow{
		EventID:       env.ID.String(),
		EventType:     env.Type,
		Source:        env.Source,
		Target:        env.Target,
		Producer:      env.Meta.Producer,
		SourceModule:  env.Meta.SourceModule,
		SchemaVersion: env.Meta.SchemaVersion,
		OccurredAt:    env.Timestamp,
		Payload:       payloadJSON,
	}, nil
}
