package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	eventerrors "github.com/charterlabs/eventcore/pkg/errors"
)

func validMeta() Meta {
	return Meta{SchemaVersion: 1, Producer: "svc-a", SourceModule: "orders"}
}

func TestNewPopulatesIdentityAndTimestamp(t *testing.T) {
	env, err := New("ORDER_CREATED", "svc-a", map[string]any{"order_id": "o-1"}, validMeta())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if env.ID == uuid.Nil {
		t.Fatal("expected a fresh id")
	}
	if env.Timestamp.IsZero() {
		t.Fatal("expected a timestamp")
	}
	if env.Timestamp.Location() != time.UTC {
		t.Fatalf("expected UTC timestamp, got %v", env.Timestamp.Location())
	}
	var payload map[string]string
	if err := env.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload["order_id"] != "o-1" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestValidateRejectsMissingMetaFields(t *testing.T) {
	cases := map[string]Meta{
		"missing schema_version": {Producer: "svc-a", SourceModule: "orders"},
		"missing producer":       {SchemaVersion: 1, SourceModule: "orders"},
		"missing source_module":  {SchemaVersion: 1, Producer: "svc-a"},
	}
	for name, meta := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New("ORDER_CREATED", "svc-a", nil, meta)
			if err == nil {
				t.Fatal("expected validation error")
			}
			typed := eventerrors.As(err)
			if typed == nil || typed.Code() != eventerrors.CodeValidation {
				t.Fatalf("expected VALIDATION_ERROR, got %v", err)
			}
			if eventerrors.ClassOf(err) != eventerrors.ClassPermanent {
				t.Fatal("validation errors must classify permanent")
			}
		})
	}
}

func TestValidateRejectsMissingType(t *testing.T) {
	if _, err := New("", "svc-a", nil, validMeta()); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestFieldsRoundTrip(t *testing.T) {
	env, err := New("ORDER_CREATED", "svc-a", map[string]any{"amount": "12.50"}, validMeta())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env = env.WithTarget("billing")

	fields, err := env.Fields()
	if err != nil {
		t.Fatalf("Fields() error: %v", err)
	}

	decoded, err := FromFields(fields)
	if err != nil {
		t.Fatalf("FromFields() error: %v", err)
	}

	if decoded.ID != env.ID {
		t.Fatalf("id mismatch: %s vs %s", decoded.ID, env.ID)
	}
	if decoded.Type != env.Type || decoded.Source != env.Source {
		t.Fatalf("type/source mismatch: %+v", decoded)
	}
	if decoded.Target == nil || *decoded.Target != "billing" {
		t.Fatal("target lost in round trip")
	}
	if decoded.Meta != env.Meta {
		t.Fatalf("meta mismatch: %+v vs %+v", decoded.Meta, env.Meta)
	}
	if !decoded.Timestamp.Equal(env.Timestamp) {
		t.Fatalf("timestamp lost precision: %v vs %v", decoded.Timestamp, env.Timestamp)
	}
	if string(decoded.Payload) != string(env.Payload) {
		t.Fatalf("payload mismatch: %s vs %s", decoded.Payload, env.Payload)
	}
}

func TestTimestampKeepsSubSecondPrecision(t *testing.T) {
	env, err := New("PING", "svc-a", nil, validMeta())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	fields, err := env.Fields()
	if err != nil {
		t.Fatalf("Fields() error: %v", err)
	}
	raw, _ := fields["timestamp"].(string)
	parsed, err := time.Parse(TimestampFormat, raw)
	if err != nil {
		t.Fatalf("wire timestamp not parseable: %v", err)
	}
	if parsed.Nanosecond() != env.Timestamp.Nanosecond() {
		t.Fatalf("sub-second precision lost: %d vs %d", parsed.Nanosecond(), env.Timestamp.Nanosecond())
	}
}

func TestFromFieldsRejectsMissingMeta(t *testing.T) {
	env, err := New("ORDER_CREATED", "svc-a", nil, validMeta())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	fields, err := env.Fields()
	if err != nil {
		t.Fatalf("Fields() error: %v", err)
	}
	delete(fields, "producer")

	if _, err := FromFields(fields); err == nil {
		t.Fatal("expected error for missing producer field")
	}
}

func TestFromFieldsRejectsBadSchemaVersion(t *testing.T) {
	env, err := New("ORDER_CREATED", "svc-a", nil, validMeta())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	fields, err := env.Fields()
	if err != nil {
		t.Fatalf("Fields() error: %v", err)
	}
	fields["schema_version"] = "two"

	_, err = FromFields(fields)
	if err == nil {
		t.Fatal("expected error for bad schema version")
	}
	typed := eventerrors.As(err)
	if typed == nil || typed.Code() != eventerrors.CodeSchemaMismatch {
		t.Fatalf("expected SCHEMA_MISMATCH, got %v", err)
	}
}

func TestDecodePayloadErrors(t *testing.T) {
	env := Envelope{Payload: json.RawMessage("{not json")}
	var out map[string]any
	err := env.DecodePayload(&out)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if eventerrors.ClassOf(err) != eventerrors.ClassPermanent {
		t.Fatal("payload decode failures must classify permanent")
	}

	empty := Envelope{}
	if err := empty.DecodePayload(&out); err == nil {
		t.Fatal("expected error for empty payload")
	}
}
