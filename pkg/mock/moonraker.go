// Mock Moonraker server for bench use and tests
//
// Serves just enough of the Moonraker surface for the communications core:
// the /websocket JSON-RPC endpoint with subscribe/query/gcode.script/
// emergency_stop, the /server/info and /printer/objects/query HTTP probes
// the pre-flight tester hits, and the /server/files/upload multipart
// endpoint. The virtual printer state is mutable so tests and the bench rig
// can script temperature ramps and job progress.
package mock

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ZLoverty/HEPiC/pkg/log"
)

// Upload records one received file upload.
type Upload struct {
	Filename string
	Size     int
	Print    bool
}

// MoonrakerServer is a scriptable stand-in for a Moonraker instance.
type MoonrakerServer struct {
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	state   map[string]map[string]any
	scripts []string
	estops  int
	uploads []Upload

	clientMu sync.Mutex
	clients  map[int64]*wsClient
	nextID   int64

	// BroadcastInterval is the notify_status_update period; zero disables
	// the periodic broadcast (tests drive notifications explicitly).
	BroadcastInterval time.Duration

	running atomic.Bool
	done    chan struct{}
}

type wsClient struct {
	id         int64
	conn       *websocket.Conn
	sendCh     chan any
	done       chan struct{}
	subscribed atomic.Bool
	closeOnce  sync.Once
}

// NewMoonrakerServer creates a mock with a ready virtual printer.
func NewMoonrakerServer() *MoonrakerServer {
	s := &MoonrakerServer{
		logger:  log.GetLogger("mock-moonraker"),
		clients: make(map[int64]*wsClient),
		done:    make(chan struct{}),
		state: map[string]map[string]any{
			"webhooks": {
				"state":         "ready",
				"state_message": "Printer is ready",
			},
			"extruder": {
				"temperature": 25.0,
				"target":      0.0,
			},
			"print_stats": {
				"state":    "standby",
				"filename": "",
			},
			"motion_report": {
				"live_extruder_velocity": 0.0,
			},
			"toolhead": {
				"position": []float64{0, 0, 0, 0},
			},
			"virtual_sdcard": {
				"progress":      0.0,
				"file_position": 0,
			},
		},
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	return s
}

// Handler returns the HTTP handler; mount it on an httptest.Server or a
// real listener.
func (s *MoonrakerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", s.handleWebSocket)
	mux.HandleFunc("/server/info", s.handleServerInfo)
	mux.HandleFunc("/printer/objects/query", s.handleObjectsQuery)
	mux.HandleFunc("/server/files/upload", s.handleUpload)
	return mux
}

// Start begins the periodic status broadcast if BroadcastInterval is set.
func (s *MoonrakerServer) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	if s.BroadcastInterval > 0 {
		go s.broadcastLoop()
	}
}

// Stop halts broadcasting and disconnects every client.
func (s *MoonrakerServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.done)

	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()
}

// SetObjectField mutates one field of the virtual printer state and pushes a
// notify_status_update for it to all subscribed clients.
func (s *MoonrakerServer) SetObjectField(object, field string, value any) {
	s.mu.Lock()
	if s.state[object] == nil {
		s.state[object] = make(map[string]any)
	}
	s.state[object][field] = value
	s.mu.Unlock()

	s.Notify(map[string]any{object: map[string]any{field: value}})
}

// Notify broadcasts a notify_status_update with the given object map.
func (s *MoonrakerServer) Notify(status map[string]any) {
	s.broadcast(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_status_update",
		"params":  []any{status, eventtime()},
	})
}

// NotifyGcodeResponse broadcasts a notify_gcode_response with the given
// response string.
func (s *MoonrakerServer) NotifyGcodeResponse(resp string) {
	s.broadcast(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notify_gcode_response",
		"params":  []any{resp},
	})
}

// Broadcast sends an arbitrary frame to every connected client; tests use
// it to inject malformed or unexpected traffic.
func (s *MoonrakerServer) Broadcast(frame any) {
	s.broadcast(frame)
}

// Scripts returns the G-code scripts received so far.
func (s *MoonrakerServer) Scripts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.scripts))
	copy(out, s.scripts)
	return out
}

// EmergencyStops returns how many emergency stop requests arrived.
func (s *MoonrakerServer) EmergencyStops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estops
}

// Uploads returns the received file uploads.
func (s *MoonrakerServer) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Upload, len(s.uploads))
	copy(out, s.uploads)
	return out
}

// ClientCount returns the number of connected WebSocket clients.
func (s *MoonrakerServer) ClientCount() int {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return len(s.clients)
}

// CloseClients drops every WebSocket connection without stopping the
// server; tests use it to simulate a Moonraker restart.
func (s *MoonrakerServer) CloseClients() {
	s.clientMu.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.clients = make(map[int64]*wsClient)
	s.clientMu.Unlock()
}

func eventtime() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}

func (s *MoonrakerServer) broadcast(frame any) {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for _, c := range s.clients {
		if !c.subscribed.Load() {
			continue
		}
		c.send(frame)
	}
}

func (s *MoonrakerServer) broadcastLoop() {
	ticker := time.NewTicker(s.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			status := make(map[string]any, len(s.state))
			for name, fields := range s.state {
				copied := make(map[string]any, len(fields))
				for k, v := range fields {
					copied[k] = v
				}
				status[name] = copied
			}
			s.mu.Unlock()
			s.Notify(status)
		case <-s.done:
			return
		}
	}
}

// WebSocket handling

func (s *MoonrakerServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		id:     atomic.AddInt64(&s.nextID, 1),
		conn:   conn,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
	}
	s.clientMu.Lock()
	s.clients[c.id] = c
	s.clientMu.Unlock()
	s.logger.Debug("client %d connected", c.id)

	go c.writePump()
	s.readPump(c)

	s.clientMu.Lock()
	delete(s.clients, c.id)
	s.clientMu.Unlock()
	c.close()
	s.logger.Debug("client %d disconnected", c.id)
}

func (s *MoonrakerServer) readPump(c *wsClient) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(c, data)
	}
}

type rpcFrame struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      any            `json:"id"`
}

func (s *MoonrakerServer) handleFrame(c *wsClient, data []byte) {
	var req rpcFrame
	if err := json.Unmarshal(data, &req); err != nil {
		c.send(map[string]any{
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": -32700, "message": "Parse error"},
		})
		return
	}

	switch req.Method {
	case "printer.objects.subscribe":
		c.subscribed.Store(true)
		c.send(s.statusResult(req.ID))

	case "printer.objects.query":
		c.send(s.statusResult(req.ID))

	case "printer.gcode.script":
		script, _ := req.Params["script"].(string)
		s.mu.Lock()
		s.scripts = append(s.scripts, script)
		s.mu.Unlock()
		s.logger.Debug("gcode script: %s", script)
		c.send(map[string]any{"jsonrpc": "2.0", "result": "ok", "id": req.ID})

	case "printer.emergency_stop":
		s.mu.Lock()
		s.estops++
		s.mu.Unlock()
		s.logger.Warn("emergency stop received")
		c.send(map[string]any{"jsonrpc": "2.0", "result": "ok", "id": req.ID})

	default:
		c.send(map[string]any{
			"jsonrpc": "2.0",
			"error":   map[string]any{"code": -32601, "message": fmt.Sprintf("method not found: %s", req.Method)},
			"id":      req.ID,
		})
	}
}

func (s *MoonrakerServer) statusResult(id any) map[string]any {
	s.mu.Lock()
	status := make(map[string]any, len(s.state))
	for name, fields := range s.state {
		copied := make(map[string]any, len(fields))
		for k, v := range fields {
			copied[k] = v
		}
		status[name] = copied
	}
	s.mu.Unlock()

	return map[string]any{
		"jsonrpc": "2.0",
		"result": map[string]any{
			"eventtime": eventtime(),
			"status":    status,
		},
		"id": id,
	}
}

func (c *wsClient) send(frame any) {
	select {
	case c.sendCh <- frame:
	case <-c.done:
	default:
		// Slow client, drop the frame.
	}
}

func (c *wsClient) writePump() {
	for {
		select {
		case frame := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// HTTP endpoints

func (s *MoonrakerServer) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"result": map[string]any{
			"klippy_connected": true,
			"klippy_state":     s.klippyState(),
			"api_version":      []int{1, 5, 0},
		},
	})
}

func (s *MoonrakerServer) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	// The pre-flight tester asks "GET /printer/objects/query?webhooks";
	// answer with the webhooks object only, the shape it parses.
	s.mu.Lock()
	webhooks := make(map[string]any, len(s.state["webhooks"]))
	for k, v := range s.state["webhooks"] {
		webhooks[k] = v
	}
	s.mu.Unlock()

	s.writeJSON(w, map[string]any{
		"result": map[string]any{
			"eventtime": eventtime(),
			"status":    map[string]any{"webhooks": webhooks},
		},
	})
}

func (s *MoonrakerServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "bad multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	up := Upload{
		Filename: header.Filename,
		Size:     len(data),
		Print:    r.FormValue("print") == "true",
	}
	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()
	s.logger.Info("upload received: %s (%d bytes, print=%v)", up.Filename, up.Size, up.Print)

	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]any{
		"item":          map[string]any{"path": header.Filename, "root": "gcodes"},
		"print_started": up.Print,
		"action":        "create_file",
	})
}

func (s *MoonrakerServer) klippyState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.state["webhooks"]["state"].(string); ok {
		return st
	}
	return "ready"
}

// SetKlippyState changes the reported webhooks state ("ready", "shutdown",
// "error"); the pre-flight tester gates on it.
func (s *MoonrakerServer) SetKlippyState(state string) {
	s.mu.Lock()
	s.state["webhooks"]["state"] = state
	s.mu.Unlock()
}

func (s *MoonrakerServer) writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
