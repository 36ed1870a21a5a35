package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"tor-switch/pkg/identity"
	"tor-switch/pkg/model"
	"tor-switch/pkg/toggle"
)

// Hub serves the websocket control channel and doubles as the UI projection
// surface: display updates fan out to every connected client.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	wmu      sync.Mutex
	conns    map[*websocket.Conn]struct{}
	last     map[model.Slot]DisplayUpdate

	machine *toggle.Machine
	orch    *identity.Orchestrator
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: map[*websocket.Conn]struct{}{},
		last:  map[model.Slot]DisplayUpdate{},
	}
}

// Bind attaches the toggle machine and orchestrator. The hub is also the
// orchestrator's surface, so it exists before either of them.
func (h *Hub) Bind(machine *toggle.Machine, orch *identity.Orchestrator) {
	h.machine = machine
	h.orch = orch
}

// SetSlot implements identity.Surface. The latest update per slot is kept so
// late subscribers get a snapshot on connect.
func (h *Hub) SetSlot(slot model.Slot, text string, status identity.Status) {
	upd := DisplayUpdate{Slot: string(slot), Text: text, Status: string(status)}
	h.mu.Lock()
	h.last[slot] = upd
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.write(c, envelope("display", upd))
	}
}

// HandleControl upgrades a UI connection and serves control messages on it.
func (h *Hub) HandleControl(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	snapshot := make([]DisplayUpdate, 0, len(h.last))
	for _, upd := range h.last {
		snapshot = append(snapshot, upd)
	}
	h.mu.Unlock()
	log.Printf("control client connected: %s", r.RemoteAddr)

	for _, upd := range snapshot {
		h.write(c, envelope("display", upd))
	}
	go h.readLoop(c)
}

// Close drops every control connection.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.conns {
		_ = c.Close()
	}
	h.conns = map[*websocket.Conn]struct{}{}
	h.mu.Unlock()
}

func (h *Hub) readLoop(c *websocket.Conn) {
	defer func() {
		_ = c.Close()
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		log.Printf("control client disconnected")
	}()
	for {
		var msg Message
		if err := c.ReadJSON(&msg); err != nil {
			return
		}
		h.write(c, h.dispatch(msg))
	}
}

func (h *Hub) dispatch(msg Message) Message {
	ctx := context.Background()
	switch msg.Type {
	case "enable":
		var req EnableRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return envelope("result", ToggleResponse{Error: "invalid payload"})
		}
		if err := h.machine.Enable(ctx, req.Host, req.Port); err != nil {
			return envelope("result", ToggleResponse{Error: err.Error()})
		}
		return envelope("result", ToggleResponse{OK: true})
	case "disable":
		if err := h.machine.Disable(ctx); err != nil {
			return envelope("result", ToggleResponse{Error: err.Error()})
		}
		return envelope("result", ToggleResponse{OK: true})
	case "status":
		st := h.machine.Status()
		// A status request is the UI opening; refresh what it will look at.
		go h.orch.Refresh(ctx, model.SlotBefore, false)
		if st.TorEnabled {
			go h.orch.Refresh(ctx, model.SlotAfter, false)
		}
		return envelope("status", StatusResponse{TorEnabled: st.TorEnabled, TorHost: st.TorHost, TorPort: st.TorPort})
	case "refresh":
		var req RefreshRequest
		_ = json.Unmarshal(msg.Payload, &req)
		switch model.Slot(req.Slot) {
		case model.SlotBefore, model.SlotAfter:
			go h.orch.Refresh(ctx, model.Slot(req.Slot), req.Force)
		default:
			go h.orch.Refresh(ctx, model.SlotBefore, req.Force)
			go h.orch.Refresh(ctx, model.SlotAfter, req.Force)
		}
		return envelope("result", ToggleResponse{OK: true})
	default:
		return envelope("result", ToggleResponse{Error: "unknown message type"})
	}
}

func (h *Hub) write(c *websocket.Conn, msg Message) {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if err := c.WriteJSON(msg); err != nil {
		log.Printf("ws send failed: %v", err)
	}
}

func envelope(msgType string, payload interface{}) Message {
	raw, _ := json.Marshal(payload)
	return Message{Type: msgType, Payload: raw}
}
