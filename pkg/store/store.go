package store

// KV defines the persistence layer for agent state. The agent treats it as
// best-effort: write failures are logged and swallowed, the in-memory state
// stays authoritative for the process lifetime.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Well-known keys.
const (
	KeyIdentity = "identity" // model.IdentityRecord as JSON
	KeyProxy    = "proxy"    // model.ProxySettings as JSON
)
