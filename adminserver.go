package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/loggo"
)

var adminLogger = loggo.GetLogger("admin")

// AdminEvent is broadcast to every connected operator/debug console
// whenever the peripheral's state changes: an always-on broadcast hub,
// rather than one that opens a connection on demand, since there is no
// per-operator backend connection to open.
type AdminEvent struct {
	Time  time.Time       `json:"time"`
	State string          `json:"state"`
	Phase string          `json:"phase,omitempty"`
	Extra string          `json:"extra,omitempty"`
}

type adminConn struct {
	ws   *websocket.Conn
	send chan AdminEvent
}

func (c *adminConn) writer() {
	for event := range c.send {
		if err := c.ws.WriteJSON(event); err != nil {
			break
		}
	}
}

func (c *adminConn) reader() {
	// Operator consoles are read-only observers; drain and discard so the
	// websocket's read deadline/ping machinery keeps working.
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
}

// adminHub is a broadcast-only websocket fan-out, keyed by connection
// rather than by source identity since there is exactly one MDB bus to
// watch.
type adminHub struct {
	connections map[*adminConn]bool
	reg         chan *adminConn
	unreg       chan *adminConn
	broadcast   chan AdminEvent
}

func newAdminHub() *adminHub {
	return &adminHub{
		connections: make(map[*adminConn]bool),
		reg:         make(chan *adminConn),
		unreg:       make(chan *adminConn),
		broadcast:   make(chan AdminEvent, 16),
	}
}

func (h *adminHub) run() {
	for {
		select {
		case c := <-h.reg:
			h.connections[c] = true
			adminLogger.Infof("operator console connected")
		case c := <-h.unreg:
			if _, ok := h.connections[c]; !ok {
				break
			}
			delete(h.connections, c)
			close(c.send)
			adminLogger.Infof("operator console disconnected")
		case event := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- event:
				default:
					close(c.send)
					delete(h.connections, c)
				}
			}
		}
	}
}

var adminUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AdminServer exposes /status (metrics JSON) and /events (a
// gorilla/websocket feed of AdminEvents) for a local operator tool.
type AdminServer struct {
	hub     *adminHub
	metrics *appMetrics
	machine *PeripheralMachine
}

func NewAdminServer(metrics *appMetrics, machine *PeripheralMachine) *AdminServer {
	return &AdminServer{hub: newAdminHub(), metrics: metrics, machine: machine}
}

func (a *AdminServer) Start() {
	go a.hub.run()
	a.machine.onStateChange = func(s PeripheralState) {
		a.hub.broadcast <- AdminEvent{Time: time.Now(), State: s.String()}
	}
}

func (a *AdminServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.metrics.Export(a.machine.State()))
}

func (a *AdminServer) eventsHandler(w http.ResponseWriter, r *http.Request) {
	ws, err := adminUpgrader.Upgrade(w, r, nil)
	if err != nil {
		adminLogger.Warningf("websocket upgrade failed: %v", err)
		return
	}
	c := &adminConn{ws: ws, send: make(chan AdminEvent, 8)}
	a.hub.reg <- c
	go c.writer()
	c.reader()
	a.hub.unreg <- c
}

func (a *AdminServer) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/status", a.statusHandler)
	mux.HandleFunc("/events", a.eventsHandler)
}
