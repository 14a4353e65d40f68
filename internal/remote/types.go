package remote

import "github.com/hyperengineering/pulse"

// Paths of the backend contract.
const (
	RestPath     = "/rest/v1/"
	RealtimePath = "/realtime/v1/websocket"
)

// Frame types exchanged on the realtime websocket.
const (
	FrameSubscribe  = "subscribe"
	FrameSubscribed = "subscribed"
	FrameChange     = "change"
	FrameError      = "error"
)

// Frame is one realtime websocket message.
//
//	client → server  {"type":"subscribe","table":"student_entries","filter":"sessionId=eq.abc"}
//	server → client  {"type":"subscribed","table":"student_entries"}
//	server → client  {"type":"change","table":"student_entries","action":"INSERT","records":[{...}]}
//
// One change frame carries every row of one mutation. Record is the
// single-row form some backends send.
type Frame struct {
	Type    string      `json:"type"`
	Table   string      `json:"table,omitempty"`
	Filter  string      `json:"filter,omitempty"`
	Action  string      `json:"action,omitempty"`
	Records []pulse.Row `json:"records,omitempty"`
	Record  pulse.Row   `json:"record,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Rows returns the frame's rows in both the batch and single-row forms.
func (f Frame) Rows() []pulse.Row {
	if f.Record == nil {
		return f.Records
	}
	return append(append([]pulse.Row(nil), f.Records...), f.Record)
}

// HealthResponse from GET /rest/v1/
type HealthResponse struct {
	Status string   `json:"status"`
	Tables []string `json:"tables,omitempty"`
}
