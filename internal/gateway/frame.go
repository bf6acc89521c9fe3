package gateway

import (
	"encoding/json"
)

// Client-emitted event names.
const (
	eventAuthenticate     = "authenticate"
	eventJoinTokenChannel = "join-token-channel"
	eventMessage          = "message"
)

// clientFrame is the envelope for every inbound WebSocket message:
// `{"event": ..., "data": {...}, "ack": n}`. The optional ack id is echoed back in an
// ackFrame when the server acknowledges the request.
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Ack   *int64          `json:"ack,omitempty"`
}

// ackFrame is the reply correlated to a client frame that carried an ack id.
type ackFrame struct {
	Ack  int64 `json:"ack"`
	Data any   `json:"data"`
}

// authenticateData is the payload of an authenticate event.
type authenticateData struct {
	AuthToken     string            `json:"authToken"`
	ContentTokens map[string]string `json:"contentTokens"`
}

// joinTokenChannelData is the payload of a join-token-channel event.
type joinTokenChannelData struct {
	Channel      string `json:"channel"`
	ContentToken string `json:"contentToken"`
}
