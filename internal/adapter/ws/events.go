package ws

// Outbound message type tags. Every push-channel message is a JSON object
// with a "type" field from this set; the remaining fields are merged into
// the envelope at the top level.
const (
	TypeFullStatus = "full_status_update"
	TypeStatus     = "status_update"
	TypeLog        = "log_update"
	TypeStructure  = "structure_update"
	TypeQueue      = "queue_update"
	TypeSpecific   = "specific_update"
	TypePing       = "ping"
)

// Inbound actions a client may send. Messages without a recognized action
// are rejected and logged; there is no heuristic routing of untyped input.
const (
	ActionGetFullStatus   = "get_full_status"
	ActionGetChartUpdates = "get_chart_updates"
)

// inboundMessage is the shape of client -> server messages.
type inboundMessage struct {
	Action string `json:"action"`
}
