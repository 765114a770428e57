// Package telemetry carries session lifecycle events to best-effort sinks (Kafka, OTel logs).
package telemetry

import "time"

// Session event types.
const (
	EventAdmitted        = "session.admitted"
	EventRenewed         = "session.renewed"
	EventAdmissionDenied = "session.admission_denied"
	EventRevoked         = "session.revoked"
	EventRevokedAll      = "session.revoked_all"
	EventExpired         = "session.expired"
)

// SessionEvent is one lifecycle fact. Empty ids are omitted on the wire.
type SessionEvent struct {
	Type      string            `json:"eventType"`
	UserID    string            `json:"userId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	DeviceID  string            `json:"deviceId,omitempty"`
	Source    string            `json:"source"`
	Reason    string            `json:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
