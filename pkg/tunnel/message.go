package tunnel

// Message types exchanged over a tunnel WebSocket.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypePing     = "ping"
	TypePong     = "pong"
)

// RequestFrame is the edge→agent envelope carrying one forwarded HTTP
// request. Body is null when the incoming request had no body.
type RequestFrame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      *string           `json:"body"`
}

// ResponseFrame is the agent→edge reply correlated back to its request.
// A zero Status is rendered as 200 by the forwarder.
type ResponseFrame struct {
	RequestID string            `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

// frame is the inbound parse target covering every agent message type.
// Unknown types are ignored by the receive loop, so adding fields here is
// forward-compatible.
type frame struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body"`
}

func (f *frame) response() ResponseFrame {
	return ResponseFrame{
		RequestID: f.RequestID,
		Status:    f.Status,
		Headers:   f.Headers,
		Body:      f.Body,
	}
}

var (
	pingMessage = []byte(`{"type":"ping"}`)
	pongMessage = []byte(`{"type":"pong"}`)
)
