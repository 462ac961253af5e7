package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	ds "github.com/starfederation/datastar-go/datastar"

	"github.com/shaunagostinho/ecusim/internal/cluster"
	"github.com/shaunagostinho/ecusim/internal/control"
	"github.com/shaunagostinho/ecusim/internal/ecu"
	"github.com/shaunagostinho/ecusim/internal/logger"
)

// Vehicle exposes the ECU's current state.
type Vehicle interface {
	Snapshot() ecu.VehicleState
}

// Server serves the cluster page, broadcasts cluster state to WebSocket
// clients and routes control input to the dispatcher.
type Server struct {
	cfg      *Config
	vehicle  Vehicle
	cluster  *cluster.Cluster
	control  *control.Dispatcher
	recorder *logger.Logger
	webFS    fs.FS

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	tmpl     *template.Template

	// Odometer integrated from the cluster speed, for this run only
	odoMu    sync.Mutex
	odoTotal float64 // Total km
	odoTrip  float64 // Trip km (resettable)
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Cluster  *cluster.State `json:"cluster,omitempty"`
	Odo      *OdoData       `json:"odo,omitempty"`
	Recorder *RecorderData  `json:"recorder,omitempty"`
	Error    string         `json:"error,omitempty"`
	Stamp    int64          `json:"stamp"` // Unix ms
}

// OdoData is the odometer info sent to clients.
type OdoData struct {
	Total float64 `json:"total"` // km
	Trip  float64 `json:"trip"`  // km
}

// RecorderData reports the frame recorder.
type RecorderData struct {
	Enabled bool   `json:"enabled"`
	Frames  uint64 `json:"frames"`
}

// controlMsg is a control event from a WebSocket client or /api/control.
type controlMsg struct {
	Event string `json:"event"`
	Arg   int    `json:"arg"`
}

// New creates a new Server. recorder may be nil.
func New(cfg *Config, vehicle Vehicle, cl *cluster.Cluster, d *control.Dispatcher, recorder *logger.Logger, webFS fs.FS) *Server {
	return &Server{
		cfg:      cfg,
		vehicle:  vehicle,
		cluster:  cl,
		control:  d,
		recorder: recorder,
		webFS:    webFS,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		tmpl: template.Must(template.New("cluster").Parse(clusterTemplate)),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/sse/cluster", s.handleClusterSSE)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/control", s.handleControl)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/recorder", s.handleRecorder)
	mux.HandleFunc("/api/odo/reset-trip", s.handleResetTrip)
	return mux
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	addr := s.cfg.Server.ListenAddr
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send current state immediately
	if data, err := json.Marshal(s.snapshotFrame()); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: control events and keep-alive
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var in controlMsg
			if err := json.Unmarshal(msg, &in); err != nil || in.Event == "" {
				continue
			}
			if err := s.submit(in); err != nil {
				s.sendTo(client, Frame{Error: err.Error(), Stamp: time.Now().UnixMilli()})
			}
		}
	}()
}

// handleClusterSSE streams the rendered cluster fragment on every change.
func (s *Server) handleClusterSSE(w http.ResponseWriter, r *http.Request) {
	states, cancel := s.cluster.Watch()
	defer cancel()

	sse := ds.NewSSE(w, r)
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			html, err := s.renderCluster(st)
			if err != nil {
				log.Printf("[server] render cluster: %v", err)
				return
			}
			// morphs #cluster by ID
			if err := sse.PatchElements(html); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var sig controlMsg
	if err := ds.ReadSignals(r, &sig); err != nil {
		log.Printf("[server] error reading signals: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.submit(sig); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, control.ErrUnsupportedEvent) {
			status = http.StatusConflict
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(s.vehicle.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		// Bus, ECU and transport settings apply on restart; the recorder
		// toggle applies now.
		if s.recorder != nil {
			s.recorder.SetEnabled(s.cfg.RecorderSettings().Enabled)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecorder(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		http.Error(w, "recorder not available", http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.recorder.SetEnabled(body.Enabled)
		log.Printf("[recorder] enabled=%v", body.Enabled)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.recorderData())
}

func (s *Server) handleResetTrip(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.odoMu.Lock()
	s.odoTrip = 0
	s.odoMu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) submit(in controlMsg) error {
	ev, err := control.Parse(in.Event, in.Arg)
	if err != nil {
		return err
	}
	if s.control == nil {
		return control.ErrUnsupportedEvent
	}
	if err := s.control.Submit(ev); err != nil {
		return fmt.Errorf("%s: %w", ev, err)
	}
	return nil
}

// broadcastLoop pushes the cluster state to every client at the configured
// rate and advances the odometer.
func (s *Server) broadcastLoop(ctx context.Context) {
	interval := s.cfg.BroadcastInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.cluster.Snapshot()
			s.advanceOdometer(float64(st.SpeedKmh), interval)
			s.broadcast(s.snapshotFrame())
		}
	}
}

func (s *Server) snapshotFrame() Frame {
	st := s.cluster.Snapshot()

	s.odoMu.Lock()
	odo := &OdoData{Total: math.Round(s.odoTotal*10) / 10, Trip: math.Round(s.odoTrip*10) / 10}
	s.odoMu.Unlock()

	return Frame{
		Cluster:  &st,
		Odo:      odo,
		Recorder: s.recorderData(),
		Stamp:    time.Now().UnixMilli(),
	}
}

func (s *Server) recorderData() *RecorderData {
	if s.recorder == nil {
		return nil
	}
	return &RecorderData{Enabled: s.recorder.IsEnabled(), Frames: s.recorder.Total()}
}

// advanceOdometer accumulates distance covered at speed km/h over dt.
func (s *Server) advanceOdometer(kmh float64, dt time.Duration) {
	if kmh <= 0 {
		return
	}
	dist := kmh * dt.Hours()
	s.odoMu.Lock()
	s.odoTotal += dist
	s.odoTrip += dist
	s.odoMu.Unlock()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

func (s *Server) sendTo(client *wsClient, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if _, ok := s.clients[client]; !ok {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
