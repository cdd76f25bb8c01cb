package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shaunagostinho/xrplink/internal/command"
	"github.com/shaunagostinho/xrplink/internal/connmgr"
	"github.com/shaunagostinho/xrplink/internal/events"
	"github.com/shaunagostinho/xrplink/internal/joystick"
	"github.com/shaunagostinho/xrplink/internal/logger"
	"github.com/shaunagostinho/xrplink/internal/telemetry"
	"github.com/shaunagostinho/xrplink/internal/transport"
	"go.uber.org/zap"
)

const configEvent events.Type = "config"

// Server exposes the robot link to the browser: bus events go out over a
// websocket and commands come in over a small JSON API.
type Server struct {
	cfg      *Config
	mgr      *connmgr.Manager
	bus      *events.Bus
	webFS    fs.FS
	recorder *logger.Logger
	log      *zap.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	// runCtx outlives the request that started a program.
	runCtx context.Context
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// inbound is a message from a websocket client.
type inbound struct {
	Type  string                   `json:"type"` // "terminal", "key" or "gamepad"
	Data  string                   `json:"data,omitempty"`
	Code  string                   `json:"code,omitempty"`
	Down  bool                     `json:"down,omitempty"`
	State *[joystick.Slots]float64 `json:"state,omitempty"`
}

// Status summarizes the link for the dashboard.
type Status struct {
	Connected bool            `json:"connected"`
	Transport string          `json:"transport,omitempty"`
	Device    string          `json:"device,omitempty"`
	Running   bool            `json:"running"`
	Busy      bool            `json:"busy"`
	Admin     bool            `json:"admin"`
	Telemetry telemetry.Stats `json:"telemetry"`
}

// New creates a new Server.
func New(cfg *Config, mgr *connmgr.Manager, bus *events.Bus, webFS fs.FS, log *zap.Logger) *Server {
	return &Server{
		cfg:   cfg,
		mgr:   mgr,
		bus:   bus,
		webFS: webFS,
		recorder: logger.New(logger.Config{
			Enabled:    cfg.Logging.Enabled,
			Path:       cfg.Logging.Path,
			IntervalMs: cfg.Logging.Interval,
		}, log),
		log:     log.Named("server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		runCtx: context.Background(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	api := http.NewServeMux()
	api.HandleFunc("/api/config", s.handleConfig)
	api.HandleFunc("/api/status", s.handleStatus)
	api.HandleFunc("/api/connect", s.handleConnect)
	api.HandleFunc("/api/disconnect", s.handleDisconnect)
	api.HandleFunc("/api/run", s.handleRun)
	api.HandleFunc("/api/stop", s.handleStop)
	api.HandleFunc("/api/battery", s.handleBattery)
	api.HandleFunc("/api/version", s.handleVersion)
	api.HandleFunc("/api/fs", s.handleFS)
	api.HandleFunc("/api/files", s.handleFiles)
	api.HandleFunc("/api/files/rename", s.handleRename)
	api.HandleFunc("/api/files/mkdir", s.handleMkdir)
	mux.Handle("/api/", withLogging(s.log, api))
	return mux
}

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start pumps bus events to websocket clients and the CSV recorder until
// ctx ends.
func (s *Server) Start(ctx context.Context) {
	s.runCtx = ctx
	ch, unsubscribe := s.bus.Subscribe()
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	go func() {
		defer s.recorder.Close()
		for ev := range ch {
			if snap, ok := ev.Data.(telemetry.Snapshot); ok {
				s.recorder.Record(snap)
			}
			s.broadcast(ev)
		}
	}()
}

// Run starts the event pump and the HTTP server.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

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

	s.log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) status() Status {
	st := Status{
		Admin:     s.mgr.IsAdmin(),
		Telemetry: s.mgr.Decoder().Stats(),
	}
	if c := s.mgr.Active(); c != nil {
		st.Connected = true
		st.Transport = c.Transport().Kind().String()
		st.Device = c.Transport().Name()
		st.Running = c.IsRunning()
	}
	if d := s.mgr.Dispatcher(); d != nil {
		st.Busy = d.IsBusy()
	}
	return st
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	// Send initial status before joining the broadcast set
	if data, err := json.Marshal(events.Event{Type: "status", Timestamp: time.Now().UTC(), Data: s.status()}); err == nil {
		client.send <- data
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Info("ws client connected", zap.Int("clients", n))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			s.log.Info("ws client disconnected", zap.Int("clients", n))
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleInbound(msg)
		}
	}()
}

func (s *Server) handleInbound(msg []byte) {
	var in inbound
	if err := json.Unmarshal(msg, &in); err != nil {
		s.log.Debug("bad ws message", zap.Error(err))
		return
	}
	joy := s.mgr.Joystick()
	switch in.Type {
	case "terminal":
		c := s.mgr.Active()
		if c == nil {
			return
		}
		if err := c.WriteText(in.Data); err != nil {
			s.log.Debug("terminal write failed", zap.Error(err))
		}
	case "key":
		if in.Down {
			joy.KeyDown(in.Code)
		} else {
			joy.KeyUp(in.Code)
		}
	case "gamepad":
		if in.State != nil {
			joy.SetAll(*in.State)
		}
	default:
		s.log.Debug("unknown ws message", zap.String("type", in.Type))
	}
}

func (s *Server) broadcast(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Debug("marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
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

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeError maps link errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, command.ErrBusy), errors.Is(err, connmgr.ErrConnecting):
		code = http.StatusConflict
	case errors.Is(err, fs.ErrNotExist):
		code = http.StatusNotFound
	case errors.Is(err, fs.ErrExist):
		code = http.StatusConflict
	case errors.Is(err, connmgr.ErrNotActive), errors.Is(err, transport.ErrClosed),
		errors.Is(err, transport.ErrNotFound), errors.Is(err, connmgr.ErrNoTransport):
		code = http.StatusServiceUnavailable
	case errors.Is(err, command.ErrNoResponse), errors.Is(err, transport.ErrConnectTimeout):
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func allow(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// dispatcher returns the active link's dispatcher or answers 503.
func (s *Server) dispatcher(w http.ResponseWriter) *command.Dispatcher {
	d := s.mgr.Dispatcher()
	if d == nil {
		writeError(w, connmgr.ErrNotActive)
	}
	return d
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		s.cfg.mu.RLock()
		enabled := s.cfg.Logging.Enabled
		s.cfg.mu.RUnlock()
		s.recorder.SetEnabled(enabled)

		if data, err := s.cfg.ToJSON(); err == nil {
			s.bus.Emit(configEvent, json.RawMessage(data))
		}
		writeOK(w)

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	name := r.URL.Query().Get("transport")
	if name == "" {
		s.cfg.mu.RLock()
		name = s.cfg.Device.Transport
		s.cfg.mu.RUnlock()
	}
	kind, err := transport.ParseKind(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.mgr.Connect(r.Context(), kind); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := s.mgr.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type runRequest struct {
	Path    string `json:"path,omitempty"`
	Program string `json:"program,omitempty"`
}

// handleRun starts a program and returns at once; output, the joystick
// signal and any failure arrive as events.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.Path == "") == (req.Program == "") {
		http.Error(w, "want exactly one of path or program", http.StatusBadRequest)
		return
	}
	d := s.dispatcher(w)
	if d == nil {
		return
	}
	if d.IsBusy() {
		writeError(w, command.ErrBusy)
		return
	}

	go func() {
		var err error
		if req.Path != "" {
			err = d.RunFile(s.runCtx, req.Path)
		} else {
			err = d.ExecuteLines(s.runCtx, req.Program)
		}
		if err == nil {
			return
		}
		s.log.Info("run failed", zap.Error(err))
		s.bus.Emit(events.RunError, map[string]string{"error": err.Error()})
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	d := s.dispatcher(w)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": d.Stop(r.Context())})
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	d := s.dispatcher(w)
	if d == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"voltage": d.BatteryVoltage(r.Context())})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	info, ok := s.mgr.Version()
	if !ok {
		writeError(w, connmgr.ErrNotActive)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleFS(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	d := s.dispatcher(w)
	if d == nil {
		return
	}
	info, err := d.GetOnBoardFSTree(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	data := connmgr.FSTreeData{Tree: json.RawMessage(info.TreeJSON()), Storage: &info.Storage}
	s.bus.Emit(events.FSTree, data)
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet, http.MethodPut, http.MethodDelete) {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	d := s.dispatcher(w)
	if d == nil {
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, err := d.GetFileContents(r.Context(), path)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)

	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := d.UploadFile(r.Context(), path, body); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)

	case http.MethodDelete:
		if err := d.DeleteFileOrDir(r.Context(), path); err != nil {
			writeError(w, err)
			return
		}
		writeOK(w)
	}
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.To == "" {
		http.Error(w, "want from and to", http.StatusBadRequest)
		return
	}
	d := s.dispatcher(w)
	if d == nil {
		return
	}
	if err := d.RenameFile(r.Context(), req.From, req.To); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	d := s.dispatcher(w)
	if d == nil {
		return
	}
	if err := d.BuildPath(r.Context(), path); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}
