package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/elm327-dash/internal/elm327"
	"github.com/shaunagostinho/elm327-dash/internal/monitor"
)

// Publisher receives every completed snapshot, e.g. an MQTT bridge.
type Publisher interface {
	Publish(vehicle string, pids []elm327.PIDDefinition, snap elm327.Snapshot) error
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Logger    logrus.FieldLogger
	Metrics   *monitor.Metrics
	Publisher Publisher
}

// Server polls every configured adapter and broadcasts the latest
// snapshots to WebSocket clients.
type Server struct {
	cfg     *Config
	webFS   fs.FS
	log     logrus.FieldLogger
	metrics *monitor.Metrics
	pub     Publisher

	vehicles []*vehicle

	latestMu sync.RWMutex
	latest   map[string]elm327.Snapshot

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

// vehicle is one adapter and its poll schedule. Only its poll goroutine
// touches client.
type vehicle struct {
	name         string
	client       *elm327.Client
	interval     time.Duration
	cycleTimeout time.Duration
	log          logrus.FieldLogger
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Vehicles map[string]*VehicleFrame `json:"vehicles,omitempty"`
	Config   *DisplayConfig           `json:"config,omitempty"`
	Stamp    int64                    `json:"stamp"` // Unix ms
}

// VehicleFrame is one vehicle's snapshot with display metadata.
type VehicleFrame struct {
	State    elm327.ConnectionState `json:"connection_state"`
	At       time.Time              `json:"at"`
	Readings []Reading              `json:"readings"`
}

// Reading is a rounded PID value; Value is null when absent.
type Reading struct {
	Key      string          `json:"key"`
	Name     string          `json:"name"`
	Unit     string          `json:"unit"`
	Icon     string          `json:"icon"`
	Category elm327.Category `json:"category"`
	Value    *float64        `json:"value"`
}

// New creates a Server with one client per configured vehicle.
func New(cfg *Config, webFS fs.FS, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Server{
		cfg:     cfg,
		webFS:   webFS,
		log:     opts.Logger,
		metrics: opts.Metrics,
		pub:     opts.Publisher,
		latest:  make(map[string]elm327.Snapshot),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	cfg.mu.RLock()
	vcs := append([]VehicleConfig(nil), cfg.Vehicles...)
	cfg.mu.RUnlock()

	for _, vc := range vcs {
		vlog := s.log.WithFields(logrus.Fields{"vehicle": vc.Name, "adapter": vc.Type})
		var obs elm327.Observer
		if s.metrics != nil {
			obs = s.metrics.ForVehicle(vc.Name)
		}
		ccfg, err := vc.ClientConfig(vlog, obs)
		if err != nil {
			return nil, fmt.Errorf("vehicle %s: %w", vc.Name, err)
		}
		client, err := elm327.New(ccfg)
		if err != nil {
			return nil, fmt.Errorf("vehicle %s: %w", vc.Name, err)
		}
		s.vehicles = append(s.vehicles, &vehicle{
			name:         vc.Name,
			client:       client,
			interval:     vc.PollInterval(),
			cycleTimeout: client.CycleBudget(),
			log:          vlog,
		})
	}
	return s, nil
}

// Handler returns the HTTP routes without starting any pollers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Serve embedded web files
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/pids", s.handlePIDs)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

// Run starts the pollers and the HTTP server. It returns once ctx is done
// or the listener fails, after every adapter is disconnected.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, v := range s.vehicles {
		wg.Add(1)
		go func(v *vehicle) {
			defer wg.Done()
			s.pollLoop(ctx, v)
		}(v)
	}

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.WithField("addr", srv.Addr).Info("listening")
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	} else if err != nil {
		s.log.WithError(err).Error("listener failed, stopping pollers")
	}
	cancel()
	wg.Wait()
	s.log.Info("all adapters disconnected")
	return err
}

// pollLoop collects immediately and then on every tick.
func (s *Server) pollLoop(ctx context.Context, v *vehicle) {
	defer v.client.Disconnect()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	v.log.WithFields(logrus.Fields{
		"interval": v.interval,
		"pids":     len(v.client.PIDs()),
	}).Info("poller started")

	for {
		s.pollOnce(ctx, v)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce runs one bounded collection cycle. A cycle that overruns its
// timeout is discarded and the adapter is dropped so the next cycle starts
// on a fresh connection.
func (s *Server) pollOnce(ctx context.Context, v *vehicle) {
	cctx, cancel := context.WithTimeout(ctx, v.cycleTimeout)
	defer cancel()

	start := time.Now()
	snap := v.client.Collect(cctx)
	took := time.Since(start)

	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		v.log.WithField("timeout", v.cycleTimeout).Warn("collection cycle timed out, discarding")
		v.client.Disconnect()
		return
	}

	v.log.WithFields(logrus.Fields{
		"state":   snap.State,
		"present": snap.Present(),
		"took":    took.Round(time.Millisecond),
	}).Info("cycle complete")

	s.store(v.name, v.client.PIDs(), snap, took)
}

// store replaces the latest snapshot of a vehicle and fans it out.
func (s *Server) store(name string, pids []elm327.PIDDefinition, snap elm327.Snapshot, took time.Duration) {
	s.latestMu.Lock()
	s.latest[name] = snap
	s.latestMu.Unlock()

	if s.metrics != nil {
		s.metrics.ObserveSnapshot(name, pids, snap, took)
	}
	if s.pub != nil {
		if err := s.pub.Publish(name, pids, snap); err != nil {
			s.log.WithError(err).WithField("vehicle", name).Warn("publish failed")
		}
	}
	s.broadcast(Frame{Vehicles: s.vehicleFrames(), Stamp: time.Now().UnixMilli()})
}

func (s *Server) pidsFor(name string) []elm327.PIDDefinition {
	for _, v := range s.vehicles {
		if v.name == name {
			return v.client.PIDs()
		}
	}
	return nil
}

// vehicleFrames renders the latest snapshot of every vehicle polled so far.
func (s *Server) vehicleFrames() map[string]*VehicleFrame {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()

	out := make(map[string]*VehicleFrame, len(s.latest))
	for name, snap := range s.latest {
		pids := s.pidsFor(name)
		vf := &VehicleFrame{State: snap.State, At: snap.At, Readings: make([]Reading, 0, len(pids))}
		for _, d := range pids {
			r := Reading{Key: d.Key, Name: d.Name, Unit: d.Unit, Icon: d.Icon, Category: d.Category}
			if val, ok := snap.Rounded(d); ok {
				r.Value = &val
			}
			vf.Readings = append(vf.Readings, r)
		}
		out[name] = vf
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("ws upgrade failed")
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

	s.log.WithField("clients", n).Debug("ws client connected")

	// Initial config + whatever has been collected so far
	display := s.cfg.DisplaySnapshot()
	first := Frame{
		Vehicles: s.vehicleFrames(),
		Config:   &display,
		Stamp:    time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(first); err == nil {
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

	// Reader goroutine (keep-alive, close detection)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.WithField("clients", n).Debug("ws client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
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
			s.log.WithError(err).Warn("config save failed")
		}
		display := s.cfg.DisplaySnapshot()
		s.broadcast(Frame{Config: &display, Stamp: time.Now().UnixMilli()})

		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.vehicleFrames())
}

func (s *Server) handlePIDs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, elm327.DefaultPIDs())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.latestMu.RLock()
	states := make(map[string]elm327.ConnectionState, len(s.vehicles))
	for _, v := range s.vehicles {
		st := elm327.StateDisconnected
		if snap, ok := s.latest[v.name]; ok {
			st = snap.State
		}
		states[v.name] = st
	}
	s.latestMu.RUnlock()

	writeJSON(w, map[string]interface{}{"status": "ok", "vehicles": states})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
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
