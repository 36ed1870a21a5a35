package model

import "time"

// Slot identifies one of the two identity records.
type Slot string

const (
	SlotBefore Slot = "before" // direct path
	SlotAfter  Slot = "after"  // proxied path
)

// Display sentinels. These mark UI states, never cached identities.
const (
	AddrUnknown     = "Unknown"
	AddrFetchFailed = "Failed to fetch"
)

// ValidAddress reports whether addr is a real identity rather than a sentinel.
func ValidAddress(addr string) bool {
	return addr != "" && addr != AddrUnknown && addr != AddrFetchFailed
}

// IdentityRecord is the persisted identity snapshot.
// The timestamp is shared by both slots: writing either slot refreshes the
// validity window of the whole record.
type IdentityRecord struct {
	Before        string    `json:"before,omitempty"`
	After         string    `json:"after,omitempty"`
	BeforeCountry string    `json:"beforeCountry,omitempty"`
	AfterCountry  string    `json:"afterCountry,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ProxySettings captures the persisted toggle state so the agent can restore
// it after a restart.
type ProxySettings struct {
	TorEnabled bool   `json:"torEnabled"`
	TorHost    string `json:"torHost,omitempty"`
	TorPort    int    `json:"torPort,omitempty"`
}
