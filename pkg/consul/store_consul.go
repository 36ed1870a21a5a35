//go:build consul

package consul

import (
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// Store is a Consul-backed KV implementation for agents that already run next
// to a Consul cluster and prefer it over the local sqlite file.
type Store struct {
	cli *consulapi.Client
}

const keyPrefix = "tor-switch/agent/"

func NewStore(addr string) *Store {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, _ := consulapi.NewClient(cfg) // ignore error for build; runtime will report
	return &Store{cli: cli}
}

func (s *Store) Get(key string) ([]byte, bool, error) {
	if s.cli == nil {
		return nil, false, fmt.Errorf("consul client not configured")
	}
	kv, _, err := s.cli.KV().Get(keyPrefix+key, nil)
	if err != nil {
		return nil, false, err
	}
	if kv == nil {
		return nil, false, nil
	}
	return kv.Value, true, nil
}

func (s *Store) Set(key string, value []byte) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	_, err := s.cli.KV().Put(&consulapi.KVPair{Key: keyPrefix + key, Value: value}, nil)
	return err
}

func (s *Store) Delete(key string) error {
	if s.cli == nil {
		return fmt.Errorf("consul client not configured")
	}
	_, err := s.cli.KV().Delete(keyPrefix+key, nil)
	return err
}

func (s *Store) Close() error { return nil }
