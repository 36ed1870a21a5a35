//go:build consul

package store

import (
	"tor-switch/pkg/consul"
)

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr string) KV {
	return consul.NewStore(addr)
}
