package protocol

import "encoding/json"

// Inbound event names accepted from clients.
const (
	EventAuthenticate = "authenticate"
	EventJoin         = "join"
	EventLeave        = "leave"
	EventSend         = "send"
	EventHeartbeat    = "heartbeat"
)

// Outbound event names emitted to clients.
const (
	EventAuthenticated    = "authenticated"
	EventJoined           = "joined"
	EventLeft             = "left"
	EventMessageDelivered = "messageDelivered"
	EventError            = "error"
	EventHeartbeatAck     = "heartbeatAck"
)

// Error codes carried by error envelopes.
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeNotAuthorized        = "not_authorized"
	CodeValidation           = "validation_error"
	CodeRateLimited          = "rate_limited"
	CodeThreatDetected       = "threat_detected"
	CodeBackendUnavailable   = "backend_unavailable"
)

// Inbound is the single tagged envelope for every client event. One decode
// path means every event passes the same interception before handler logic.
type Inbound struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is the envelope for every server-to-client event.
type Outbound struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ErrorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfterMs,omitempty"`
}

// Marshal builds an outbound frame, marshaling the payload first. Payload may
// be nil for events without a body.
func Marshal(event, room string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = body
	}
	return json.Marshal(Outbound{Event: event, Room: room, Payload: raw})
}
