package toggle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tor-switch/pkg/identity"
	"tor-switch/pkg/model"
	"tor-switch/pkg/pending"
	"tor-switch/pkg/store"
)

type fakeToggler struct {
	mu       sync.Mutex
	enables  int
	disables int
	err      error
}

func (f *fakeToggler) Enable(_ context.Context, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enables++
	return f.err
}

func (f *fakeToggler) Disable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disables++
	return f.err
}

func (f *fakeToggler) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enables, f.disables
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []model.ToggleAudit
}

func (f *fakeAudit) Record(entry model.ToggleAudit) {
	f.mu.Lock()
	f.entries = append(f.entries, entry)
	f.mu.Unlock()
}

type nopSurface struct{}

func (nopSurface) SetSlot(model.Slot, string, identity.Status) {}

type machineFixture struct {
	machine *Machine
	toggler *fakeToggler
	cache   *identity.Cache
	kv      *store.MemoryStore
	audit   *fakeAudit
	elapsed time.Duration
}

func newMachineFixture(t *testing.T) *machineFixture {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ip":"1.2.3.4"}`))
	}))
	t.Cleanup(srv.Close)
	geoSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"country":"Germany"}`))
	}))
	t.Cleanup(geoSrv.Close)

	kv := store.NewMemoryStore()
	reg := pending.NewRegistry()
	t.Cleanup(reg.Shutdown)
	cache := identity.NewCache(kv)
	addr := identity.NewAddressResolver(cache, reg, srv.URL)
	geo := identity.NewGeoResolver(cache, reg, geoSrv.URL+"/%s")
	orch := identity.NewOrchestrator(cache, addr, geo, reg, nopSurface{})

	fx := &machineFixture{toggler: &fakeToggler{}, cache: cache, kv: kv, audit: &fakeAudit{}}
	fx.machine = NewMachine(fx.toggler, cache, orch, kv, fx.audit)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	fx.machine.now = func() time.Time { return base.Add(fx.elapsed) }
	return fx
}

func TestEnableRejectsInvalidInput(t *testing.T) {
	fx := newMachineFixture(t)

	cases := []struct {
		name string
		host string
		port int
		want error
	}{
		{name: "bad host", host: "proxy.example.com", port: 9150, want: ErrInvalidHost},
		{name: "ipv6 host", host: "::1", port: 9150, want: ErrInvalidHost},
		{name: "zero port", host: "127.0.0.1", port: 0, want: ErrInvalidPort},
		{name: "port too large", host: "127.0.0.1", port: 70000, want: ErrInvalidPort},
	}
	for _, tc := range cases {
		if err := fx.machine.Enable(context.Background(), tc.host, tc.port); !errors.Is(err, tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	if enables, _ := fx.toggler.counts(); enables != 0 {
		t.Fatalf("validation must reject before any side effect, enables=%d", enables)
	}
	if st := fx.machine.State(); st != model.StateDisabled {
		t.Fatalf("state changed on invalid input: %s", st)
	}
}

func TestEnableThenDisableFlow(t *testing.T) {
	fx := newMachineFixture(t)
	ctx := context.Background()

	if err := fx.machine.Enable(ctx, "127.0.0.1", 9150); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if st := fx.machine.Status(); !st.TorEnabled || st.TorHost != "127.0.0.1" || st.TorPort != 9150 {
		t.Fatalf("unexpected status after enable: %+v", st)
	}

	fx.cache.PutAddress(model.SlotAfter, "5.6.7.8")

	fx.elapsed = time.Second
	if err := fx.machine.Disable(ctx); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if st := fx.machine.State(); st != model.StateDisabled {
		t.Fatalf("state after disable: %s", st)
	}
	if addr, country, _ := fx.cache.Get(model.SlotAfter); addr != "" || country != "" {
		t.Fatalf("after slot not cleared on disable: addr=%q country=%q", addr, country)
	}
	enables, disables := fx.toggler.counts()
	if enables != 1 || disables != 1 {
		t.Fatalf("collaborator calls: enables=%d disables=%d", enables, disables)
	}
}

func TestDebounceRejectsRapidToggles(t *testing.T) {
	fx := newMachineFixture(t)
	ctx := context.Background()

	if err := fx.machine.Enable(ctx, "localhost", 9150); err != nil {
		t.Fatalf("first enable: %v", err)
	}

	fx.elapsed = 100 * time.Millisecond
	if err := fx.machine.Enable(ctx, "localhost", 9150); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected second enable to be debounced, got %v", err)
	}
	if err := fx.machine.Disable(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected debounce rejection, got %v", err)
	}

	fx.elapsed = 600 * time.Millisecond
	if err := fx.machine.Disable(ctx); err != nil {
		t.Fatalf("disable after window: %v", err)
	}
	if enables, disables := fx.toggler.counts(); enables != 1 || disables != 1 {
		t.Fatalf("duplicate external calls: enables=%d disables=%d", enables, disables)
	}
}

func TestToggleFailureRevertsAndSurfacesError(t *testing.T) {
	fx := newMachineFixture(t)
	fx.toggler.err = errors.New("tor daemon unreachable")

	err := fx.machine.Enable(context.Background(), "127.0.0.1", 9150)
	if err == nil || err.Error() != "tor daemon unreachable" {
		t.Fatalf("expected verbatim collaborator error, got %v", err)
	}
	if st := fx.machine.State(); st != model.StateDisabled {
		t.Fatalf("state should revert to disabled, got %s", st)
	}

	// No automatic retry: a single attempt happened.
	if enables, _ := fx.toggler.counts(); enables != 1 {
		t.Fatalf("enables=%d, want 1", enables)
	}
}

func TestWrongStateRejected(t *testing.T) {
	fx := newMachineFixture(t)
	if err := fx.machine.Disable(context.Background()); !errors.Is(err, ErrAlreadyDisabled) {
		t.Fatalf("expected ErrAlreadyDisabled, got %v", err)
	}

	if err := fx.machine.Enable(context.Background(), "localhost", 9150); err != nil {
		t.Fatalf("enable: %v", err)
	}
	fx.elapsed = time.Second
	if err := fx.machine.Enable(context.Background(), "localhost", 9150); !errors.Is(err, ErrAlreadyEnabled) {
		t.Fatalf("expected ErrAlreadyEnabled, got %v", err)
	}
}

func TestEnablePersistsSettings(t *testing.T) {
	fx := newMachineFixture(t)
	if err := fx.machine.Enable(context.Background(), "127.0.0.1", 9150); err != nil {
		t.Fatalf("enable: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		raw, ok, err := fx.kv.Get(store.KeyProxy)
		if err != nil {
			t.Fatalf("store get: %v", err)
		}
		if ok {
			var cfg model.ProxySettings
			if err := json.Unmarshal(raw, &cfg); err != nil {
				t.Fatalf("unmarshal settings: %v", err)
			}
			if cfg.TorEnabled && cfg.TorHost == "127.0.0.1" && cfg.TorPort == 9150 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("settings were never persisted")
}

func TestRestoreReappliesPersistedSettings(t *testing.T) {
	fx := newMachineFixture(t)
	raw, _ := json.Marshal(model.ProxySettings{TorEnabled: true, TorHost: "127.0.0.1", TorPort: 9150})
	if err := fx.kv.Set(store.KeyProxy, raw); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	fx.machine.Restore(context.Background())
	if st := fx.machine.Status(); !st.TorEnabled || st.TorPort != 9150 {
		t.Fatalf("restore did not re-enable: %+v", st)
	}
	if enables, _ := fx.toggler.counts(); enables != 1 {
		t.Fatalf("restore should call the collaborator once, enables=%d", enables)
	}
}

func TestAuditEntriesRecorded(t *testing.T) {
	fx := newMachineFixture(t)
	fx.toggler.err = errors.New("boom")
	_ = fx.machine.Enable(context.Background(), "127.0.0.1", 9150)

	fx.toggler.err = nil
	fx.elapsed = time.Second
	if err := fx.machine.Enable(context.Background(), "127.0.0.1", 9150); err != nil {
		t.Fatalf("enable: %v", err)
	}

	fx.audit.mu.Lock()
	defer fx.audit.mu.Unlock()
	if len(fx.audit.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %+v", fx.audit.entries)
	}
	if fx.audit.entries[0].Succeeded || fx.audit.entries[0].Detail != "boom" {
		t.Fatalf("first entry should record the failure: %+v", fx.audit.entries[0])
	}
	if !fx.audit.entries[1].Succeeded {
		t.Fatalf("second entry should record success: %+v", fx.audit.entries[1])
	}
}
