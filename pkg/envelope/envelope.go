package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	eventerrors "github.com/charterlabs/eventcore/pkg/errors"
)

// TimestampFormat is the wire format for envelope timestamps. Sub-second
// precision is part of the contract.
const TimestampFormat = time.RFC3339Nano

var validate = validator.New(validator.WithRequiredStructEnabled())

// Meta carries the envelope audit metadata. All three fields are required on
// every envelope that enters the log; appends without them are rejected.
type Meta struct {
	SchemaVersion int    `json:"schema_version" validate:"required,gte=1"`
	Producer      string `json:"producer" validate:"required"`
	SourceModule  string `json:"source_module" validate:"required"`
}

// Envelope is the canonical unit of data flowing through the system. The ID
// is producer-generated and used only for audit and tracing; deduplication
// keys on the log-assigned stream position, never on the ID, because a
// producer retry after an append timeout mints a fresh ID for what is
// logically the same fact.
type Envelope struct {
	ID        uuid.UUID       `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required"`
	Source    string          `json:"source" validate:"required"`
	Target    *string         `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp" validate:"required"`
	Meta      Meta            `json:"meta"`
}

// New builds an envelope with a fresh ID and wall-clock timestamp. The
// payload is marshaled to JSON; the result is validated before it is
// returned so a malformed envelope can never be handed to a log.
func New(eventType, source string, payload any, meta Meta) (Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, eventerrors.Wrap(eventerrors.CodeMalformedPayload, err, "marshaling payload")
		}
		raw = data
	}
	env := Envelope{
		ID:        uuid.New(),
		Type:      eventType,
		Source:    source,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Meta:      meta,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// WithTarget sets the optional logical destination hint.
func (e Envelope) WithTarget(target string) Envelope {
	e.Target = &target
	return e
}

// Validate enforces the envelope invariants, in particular that meta carries
// schema_version, producer and source_module.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return eventerrors.Wrap(eventerrors.CodeValidation, err, "envelope validation failed").
			WithDetails(validationDetails(err))
	}
	return nil
}

func validationDetails(err error) []string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Namespace())
	}
	return fields
}

// Wire field names shared by every log backend.
const (
	fieldID            = "id"
	fieldType          = "type"
	fieldSource        = "source"
	fieldTarget        = "target"
	fieldPayload       = "payload"
	fieldTimestamp     = "timestamp"
	fieldSchemaVersion = "schema_version"
	fieldProducer      = "producer"
	fieldSourceModule  = "source_module"
)

// Fields flattens the envelope into the string field map appended to a
// stream entry. The inverse is FromFields; the pair must round-trip without
// loss.
func (e Envelope) Fields() (map[string]any, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	fields := map[string]any{
		fieldID:            e.ID.String(),
		fieldType:          e.Type,
		fieldSource:        e.Source,
		fieldTimestamp:     e.Timestamp.Format(TimestampFormat),
		fieldSchemaVersion: strconv.Itoa(e.Meta.SchemaVersion),
		fieldProducer:      e.Meta.Producer,
		fieldSourceModule:  e.Meta.SourceModule,
	}
	if e.Target != nil {
		fields[fieldTarget] = *e.Target
	}
	if len(e.Payload) > 0 {
		fields[fieldPayload] = string(e.Payload)
	}
	return fields, nil
}

// FromFields rebuilds an envelope from a stream entry's field map. Values
// arrive as strings from the redis wire protocol; anything else is coerced
// through fmt.
func FromFields(fields map[string]any) (Envelope, error) {
	get := func(key string) string {
		raw, ok := fields[key]
		if !ok || raw == nil {
			return ""
		}
		if s, ok := raw.(string); ok {
			return s
		}
		return fmt.Sprint(raw)
	}

	id, err := uuid.Parse(get(fieldID))
	if err != nil {
		return Envelope{}, eventerrors.Wrap(eventerrors.CodeMalformedPayload, err, "parsing envelope id")
	}
	ts, err := time.Parse(TimestampFormat, get(fieldTimestamp))
	if err != nil {
		return Envelope{}, eventerrors.Wrap(eventerrors.CodeMalformedPayload, err, "parsing envelope timestamp")
	}
	version, err := strconv.Atoi(get(fieldSchemaVersion))
	if err != nil {
		return Envelope{}, eventerrors.Wrap(eventerrors.CodeSchemaMismatch, err, "parsing schema version")
	}

	env := Envelope{
		ID:        id,
		Type:      get(fieldType),
		Source:    get(fieldSource),
		Timestamp: ts,
		Meta: Meta{
			SchemaVersion: version,
			Producer:      get(fieldProducer),
			SourceModule:  get(fieldSourceModule),
		},
	}
	if target := get(fieldTarget); target != "" {
		env.Target = &target
	}
	if payload := get(fieldPayload); payload != "" {
		env.Payload = json.RawMessage(payload)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DecodePayload unmarshals the payload into out, classifying decode failures
// as permanent so handler authors can propagate the error unchanged.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return eventerrors.New(eventerrors.CodeMalformedPayload, "envelope payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return eventerrors.Wrap(eventerrors.CodeMalformedPayload, err, "decoding payload")
	}
	return nil
}
