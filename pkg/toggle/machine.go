package toggle

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"sync"
	"time"

	"tor-switch/pkg/identity"
	"tor-switch/pkg/model"
	"tor-switch/pkg/store"
)

// debounceWindow rejects toggle requests that arrive mid-transition or too
// soon after the previous one, so rapid input cannot fire duplicate external
// calls.
const debounceWindow = 500 * time.Millisecond

var (
	ErrBusy            = errors.New("toggle already in progress")
	ErrAlreadyEnabled  = errors.New("proxy already enabled")
	ErrAlreadyDisabled = errors.New("proxy already disabled")
	ErrInvalidHost     = errors.New("invalid host: use localhost, 127.0.0.1 or an IPv4 address")
	ErrInvalidPort     = errors.New("invalid port: must be between 1 and 65535")
)

// AuditSink receives one entry per toggle attempt. Implementations are
// best-effort; a nil sink disables auditing.
type AuditSink interface {
	Record(entry model.ToggleAudit)
}

// Machine owns the single source of truth for which slot is active and drives
// the toggler, the cache and the orchestrator through transitions.
type Machine struct {
	mu          sync.Mutex
	state       model.ToggleState
	host        string
	port        int
	lastRequest time.Time
	now         func() time.Time

	toggler Toggler
	cache   *identity.Cache
	orch    *identity.Orchestrator
	kv      store.KV
	audit   AuditSink
}

func NewMachine(toggler Toggler, cache *identity.Cache, orch *identity.Orchestrator, kv store.KV, audit AuditSink) *Machine {
	return &Machine{
		state:   model.StateDisabled,
		now:     time.Now,
		toggler: toggler,
		cache:   cache,
		orch:    orch,
		kv:      kv,
		audit:   audit,
	}
}

// State returns the current toggle state.
func (m *Machine) State() model.ToggleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status reports the persisted-shape settings view.
func (m *Machine) Status() model.ProxySettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.ProxySettings{
		TorEnabled: m.state == model.StateEnabled,
		TorHost:    m.host,
		TorPort:    m.port,
	}
}

// Enable validates input, transitions Disabled -> Enabling -> Enabled and on
// success persists the settings and kicks a background refresh of the "after"
// slot. A collaborator failure reverts to Disabled and is surfaced verbatim.
func (m *Machine) Enable(ctx context.Context, host string, port int) error {
	if !validHost(host) {
		return ErrInvalidHost
	}
	if port < 1 || port > 65535 {
		return ErrInvalidPort
	}
	if err := m.begin(model.StateDisabled, model.StateEnabling, ErrAlreadyEnabled); err != nil {
		return err
	}

	if err := m.toggler.Enable(ctx, host, port); err != nil {
		m.setState(model.StateDisabled)
		m.record(model.ToggleAudit{Action: "enable", Host: host, Port: port, Detail: err.Error()})
		return err
	}

	m.mu.Lock()
	m.state = model.StateEnabled
	m.host = host
	m.port = port
	m.mu.Unlock()

	m.persistSettings()
	m.record(model.ToggleAudit{Action: "enable", Host: host, Port: port, Succeeded: true})
	log.Printf("proxy enabled host=%s port=%d", host, port)
	go m.orch.Refresh(ctx, model.SlotAfter, true)
	return nil
}

// Disable transitions Enabled -> Disabling -> Disabled; on success the "after"
// slot cache is cleared and "before" is force-refreshed.
func (m *Machine) Disable(ctx context.Context) error {
	if err := m.begin(model.StateEnabled, model.StateDisabling, ErrAlreadyDisabled); err != nil {
		return err
	}

	if err := m.toggler.Disable(ctx); err != nil {
		m.setState(model.StateEnabled)
		m.record(model.ToggleAudit{Action: "disable", Detail: err.Error()})
		return err
	}

	m.mu.Lock()
	m.state = model.StateDisabled
	m.host = ""
	m.port = 0
	m.mu.Unlock()

	m.cache.ClearSlot(model.SlotAfter)
	m.persistSettings()
	m.record(model.ToggleAudit{Action: "disable", Succeeded: true})
	log.Printf("proxy disabled")
	go m.orch.Refresh(ctx, model.SlotBefore, true)
	return nil
}

// Restore re-applies persisted settings after a restart. A failed re-apply
// leaves the machine disabled.
func (m *Machine) Restore(ctx context.Context) {
	if m.kv == nil {
		return
	}
	raw, ok, err := m.kv.Get(store.KeyProxy)
	if err != nil || !ok {
		return
	}
	var cfg model.ProxySettings
	if err := json.Unmarshal(raw, &cfg); err != nil || !cfg.TorEnabled {
		return
	}
	if err := m.Enable(ctx, cfg.TorHost, cfg.TorPort); err != nil {
		log.Printf("restore proxy settings failed: %v", err)
	}
}

// begin applies the debounce window and moves from the required stable state
// into the transitional one.
func (m *Machine) begin(from, to model.ToggleState, wrongState error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if m.state.Transitional() || now.Sub(m.lastRequest) < debounceWindow {
		return ErrBusy
	}
	if m.state != from {
		return wrongState
	}
	m.lastRequest = now
	m.state = to
	return nil
}

func (m *Machine) setState(s model.ToggleState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Machine) persistSettings() {
	if m.kv == nil {
		return
	}
	cfg := m.Status()
	go func() {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return
		}
		if err := m.kv.Set(store.KeyProxy, raw); err != nil {
			log.Printf("proxy settings persist failed: %v", err)
		}
	}()
}

func (m *Machine) record(entry model.ToggleAudit) {
	if m.audit == nil {
		return
	}
	m.audit.Record(entry)
}

// validHost accepts localhost, 127.0.0.1 and dotted-quad IPv4 addresses.
func validHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() != nil
}
