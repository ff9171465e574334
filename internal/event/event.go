// Package event defines the envelope schema and the codec that converts
// typed domain events to and from the stream wire format.
package event

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the envelope schema version stamped on every encoded
// envelope. Consumers tolerate higher versions by ignoring unknown fields.
const SchemaVersion = 1

// Type tags an envelope and determines both its topic and payload schema.
type Type string

// Event types in the system.
const (
	TypeWebhookReceived    Type = "webhook.received"
	TypeTripCreated        Type = "trip.created"
	TypeTripStatusChanged  Type = "trip.status_changed"
	TypePositionUpdated    Type = "position.updated"
	TypeTruckStatusChanged Type = "truck.status_changed"
	TypeAlertTriggered     Type = "alert.triggered"
	TypeSyncCompleted      Type = "sync.completed"
	TypeErrorOccurred      Type = "error.occurred"
)

// Types lists every known event type, in topic order.
func Types() []Type {
	return []Type{
		TypeWebhookReceived,
		TypeTripCreated,
		TypeTripStatusChanged,
		TypePositionUpdated,
		TypeTruckStatusChanged,
		TypeAlertTriggered,
		TypeSyncCompleted,
		TypeErrorOccurred,
	}
}

// TopicName maps an event type to its topic, one topic per type,
// namespaced by prefix (e.g. "events:position.updated").
func TopicName(prefix string, t Type) string {
	return prefix + ":" + string(t)
}

// Envelope is the immutable unit of transport appended to a topic.
// Payload is kept as raw JSON so unknown fields survive a decode/encode
// round trip.
type Envelope struct {
	EventID       string            `json:"event_id"`
	EventType     Type              `json:"event_type"`
	OccurredAt    time.Time         `json:"occurred_at"`
	RecordedAt    time.Time         `json:"recorded_at,omitempty"` // assigned by the store on append; zero until read back
	CorrelationID string            `json:"correlation_id,omitempty"`
	SchemaVersion int               `json:"schema_version"`
	Payload       json.RawMessage   `json:"payload"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// WebhookReceived is the payload for webhook.received events.
type WebhookReceived struct {
	WebhookType    string          `json:"webhook_type"`
	Source         string          `json:"source"`
	Body           json.RawMessage `json:"body"`
	SignatureValid bool            `json:"signature_valid"`
}

// TripCreated is the payload for trip.created events.
type TripCreated struct {
	TripID         string  `json:"trip_id"`
	VPCID          string  `json:"vpc_id"`
	TruckID        string  `json:"truck_id"`
	TruckNumber    string  `json:"truck_number"`
	OriginLat      float64 `json:"origin_lat"`
	OriginLng      float64 `json:"origin_lng"`
	DestinationLat float64 `json:"destination_lat"`
	DestinationLng float64 `json:"destination_lng"`
	CreatedBy      string  `json:"created_by"`
}

// TripStatusChanged is the payload for trip.status_changed events.
type TripStatusChanged struct {
	TripID      string   `json:"trip_id"`
	VPCID       string   `json:"vpc_id"`
	TruckID     string   `json:"truck_id"`
	OldStatus   string   `json:"old_status"`
	NewStatus   string   `json:"new_status"`
	Reason      string   `json:"reason,omitempty"`
	LocationLat *float64 `json:"location_lat,omitempty"`
	LocationLng *float64 `json:"location_lng,omitempty"`
}

// PositionUpdated is the payload for position.updated events.
type PositionUpdated struct {
	TruckID     string   `json:"truck_id"`
	TruckNumber string   `json:"truck_number"`
	Lat         float64  `json:"lat"`
	Lng         float64  `json:"lng"`
	Speed       *float64 `json:"speed,omitempty"`
	Heading     *int     `json:"heading,omitempty"`
	Ignition    *bool    `json:"ignition,omitempty"`
	Altitude    *float64 `json:"altitude,omitempty"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	TripID      string   `json:"trip_id,omitempty"`
}

// TruckStatusChanged is the payload for truck.status_changed events.
type TruckStatusChanged struct {
	TruckID     string `json:"truck_id"`
	TruckNumber string `json:"truck_number"`
	OldStatus   string `json:"old_status"`
	NewStatus   string `json:"new_status"`
	Reason      string `json:"reason,omitempty"`
}

// AlertTriggered is the payload for alert.triggered events.
type AlertTriggered struct {
	AlertType   string            `json:"alert_type"`
	Severity    string            `json:"severity"`
	TruckID     string            `json:"truck_id,omitempty"`
	TripID      string            `json:"trip_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	LocationLat *float64          `json:"location_lat,omitempty"`
	LocationLng *float64          `json:"location_lng,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Recipients  []string          `json:"recipients,omitempty"`
}

// SyncCompleted is the payload for sync.completed events.
type SyncCompleted struct {
	SyncType         string   `json:"sync_type"`
	RecordsProcessed int      `json:"records_processed"`
	RecordsCreated   int      `json:"records_created"`
	RecordsUpdated   int      `json:"records_updated"`
	RecordsFailed    int      `json:"records_failed"`
	DurationSeconds  float64  `json:"duration_seconds"`
	Errors           []string `json:"errors,omitempty"`
}

// ErrorOccurred is the payload for error.occurred events.
type ErrorOccurred struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	ErrorCode    string `json:"error_code,omitempty"`
	Service      string `json:"service"`
	Operation    string `json:"operation"`
	RetryCount   int    `json:"retry_count,omitempty"`
	Recoverable  bool   `json:"recoverable,omitempty"`
}
