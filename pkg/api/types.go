package api

import "encoding/json"

// Message is the envelope for control-channel traffic in both directions.
type Message struct {
	Type    string          `json:"type"` // enable/disable/status/refresh, result/status/display
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EnableRequest asks the agent to route egress through the proxy.
type EnableRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// RefreshRequest re-resolves one or both identity slots.
type RefreshRequest struct {
	Slot  string `json:"slot,omitempty"` // before/after; empty = both
	Force bool   `json:"force,omitempty"`
}

// ToggleResponse answers enable/disable requests.
type ToggleResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StatusResponse answers status requests.
type StatusResponse struct {
	TorEnabled bool   `json:"torEnabled"`
	TorHost    string `json:"torHost,omitempty"`
	TorPort    int    `json:"torPort,omitempty"`
}

// DisplayUpdate is pushed whenever a slot's projected text changes.
type DisplayUpdate struct {
	Slot   string `json:"slot"`
	Text   string `json:"text"`
	Status string `json:"status,omitempty"` // loading/success/error or empty
}

// LoginRequest exchanges the control secret for a session token.
type LoginRequest struct {
	Secret string `json:"secret"`
}
