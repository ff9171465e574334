package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Wire field names. Nested payload/metadata values are stored as JSON
// strings inside the flat entry map, matching the stream's hash layout.
const (
	fieldEventID       = "event_id"
	fieldEventType     = "event_type"
	fieldOccurredAt    = "occurred_at"
	fieldCorrelationID = "correlation_id"
	fieldSchemaVersion = "schema_version"
	fieldPayload       = "payload"
	fieldMetadata      = "metadata"
)

// validators holds the required-field check for each known event type.
// Unknown payload fields are never rejected; only missing or mistyped
// required fields fail.
var validators = map[Type][]string{
	TypeWebhookReceived:    {"webhook_type", "source"},
	TypeTripCreated:        {"trip_id", "truck_id", "origin_lat", "origin_lng", "destination_lat", "destination_lng"},
	TypeTripStatusChanged:  {"trip_id", "truck_id", "old_status", "new_status"},
	TypePositionUpdated:    {"truck_id", "lat", "lng"},
	TypeTruckStatusChanged: {"truck_id", "old_status", "new_status"},
	TypeAlertTriggered:     {"alert_type", "severity", "title"},
	TypeSyncCompleted:      {"sync_type", "records_processed"},
	TypeErrorOccurred:      {"error_type", "error_message", "service", "operation"},
}

// typedPayload returns a zero value of the payload struct for t, used to
// detect mistyped fields during validation.
func typedPayload(t Type) any {
	switch t {
	case TypeWebhookReceived:
		return &WebhookReceived{}
	case TypeTripCreated:
		return &TripCreated{}
	case TypeTripStatusChanged:
		return &TripStatusChanged{}
	case TypePositionUpdated:
		return &PositionUpdated{}
	case TypeTruckStatusChanged:
		return &TruckStatusChanged{}
	case TypeAlertTriggered:
		return &AlertTriggered{}
	case TypeSyncCompleted:
		return &SyncCompleted{}
	case TypeErrorOccurred:
		return &ErrorOccurred{}
	default:
		return nil
	}
}

// Encode builds an immutable envelope from a typed domain event.
// payload may be one of the typed payload structs or raw JSON bytes.
// It returns a *SchemaError when required payload fields are missing or
// mistyped for the event type. Pure; no side effects.
func Encode(eventType Type, occurredAt time.Time, correlationID string, payload any, metadata map[string]string) (*Envelope, error) {
	if _, known := validators[eventType]; !known {
		return nil, &SchemaError{EventType: eventType, Reason: "unknown event type"}
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		return nil, &SchemaError{EventType: eventType, Field: "payload", Reason: "is nil"}
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, &SchemaError{EventType: eventType, Field: "payload", Reason: err.Error()}
		}
		raw = b
	}

	if err := validatePayload(eventType, raw); err != nil {
		return nil, err
	}

	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	return &Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: correlationID,
		SchemaVersion: SchemaVersion,
		Payload:       raw,
		Metadata:      metadata,
	}, nil
}

// validatePayload checks that raw is a JSON object carrying every required
// field for eventType with compatible types.
func validatePayload(eventType Type, raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return &SchemaError{EventType: eventType, Field: "payload", Reason: "not a JSON object"}
	}

	for _, required := range validators[eventType] {
		v, ok := fields[required]
		if !ok || string(v) == "null" {
			return &SchemaError{EventType: eventType, Field: required, Reason: "is required"}
		}
	}

	// A typed unmarshal catches mistyped fields (e.g. lat as a string).
	if typed := typedPayload(eventType); typed != nil {
		if err := json.Unmarshal(raw, typed); err != nil {
			var ute *json.UnmarshalTypeError
			if errors.As(err, &ute) {
				return &SchemaError{EventType: eventType, Field: ute.Field, Reason: "has wrong type " + ute.Value}
			}
			return &SchemaError{EventType: eventType, Field: "payload", Reason: err.Error()}
		}
	}

	return nil
}

// Marshal flattens an envelope into the wire map appended to the stream.
// RecordedAt is intentionally absent: the store assigns it on append.
func Marshal(env *Envelope) (map[string]string, error) {
	if env == nil {
		return nil, &SchemaError{Reason: "envelope is nil"}
	}

	meta, err := json.Marshal(env.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	return map[string]string{
		fieldEventID:       env.EventID,
		fieldEventType:     string(env.EventType),
		fieldOccurredAt:    env.OccurredAt.UTC().Format(time.RFC3339Nano),
		fieldCorrelationID: env.CorrelationID,
		fieldSchemaVersion: strconv.Itoa(env.SchemaVersion),
		fieldPayload:       string(env.Payload),
		fieldMetadata:      string(meta),
	}, nil
}

// Decode reconstructs an envelope from its wire map. It returns a
// *DecodeError on malformed input. Payload bytes are kept verbatim so
// fields from newer schema versions are preserved, not dropped.
func Decode(values map[string]string) (*Envelope, error) {
	if len(values) == 0 {
		return nil, &DecodeError{Err: errors.New("empty entry")}
	}

	id := values[fieldEventID]
	if id == "" {
		return nil, &DecodeError{Field: fieldEventID, Err: errors.New("missing")}
	}
	typ := Type(values[fieldEventType])
	if typ == "" {
		return nil, &DecodeError{Field: fieldEventType, Err: errors.New("missing")}
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, values[fieldOccurredAt])
	if err != nil {
		return nil, &DecodeError{Field: fieldOccurredAt, Err: err}
	}

	version := SchemaVersion
	if v := values[fieldSchemaVersion]; v != "" {
		version, err = strconv.Atoi(v)
		if err != nil {
			return nil, &DecodeError{Field: fieldSchemaVersion, Err: err}
		}
	}

	payload := json.RawMessage(values[fieldPayload])
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, &DecodeError{Field: fieldPayload, Err: errors.New("invalid JSON")}
	}

	metadata := map[string]string{}
	if m := values[fieldMetadata]; m != "" {
		if err := json.Unmarshal([]byte(m), &metadata); err != nil {
			return nil, &DecodeError{Field: fieldMetadata, Err: err}
		}
	}

	return &Envelope{
		EventID:       id,
		EventType:     typ,
		OccurredAt:    occurredAt,
		CorrelationID: values[fieldCorrelationID],
		SchemaVersion: version,
		Payload:       payload,
		Metadata:      metadata,
	}, nil
}

// DecodePayload unmarshals an envelope's payload into dst, typically one of
// the typed payload structs. Unknown fields in the payload are ignored.
func DecodePayload(env *Envelope, dst any) error {
	if env == nil {
		return &DecodeError{Field: fieldPayload, Err: errors.New("envelope is nil")}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return &DecodeError{Field: fieldPayload, Err: err}
	}
	return nil
}
