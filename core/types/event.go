package types

// Event represents a typed event emitted by ledger state transitions. The
// attribute map is flat and string-valued so downstream consumers (RPC
// stream, relayer, metrics) can forward it without schema knowledge.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
