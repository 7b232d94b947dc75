// Package server implements the HTTP/WebSocket/SSE surface named in §6:
// session CRUD, a per-session WebSocket terminal, a supervisor-wide SSE
// event stream, plan-file read/write, directory suggestion, file
// browsing, git introspection, and web-push subscription management.
// Adapted from the teacher's internal/server/server.go — same route
// table shape, same writeJSONResponse/writeError envelope — rewired onto
// internal/supervisor.Supervisor instead of internal/session.Manager and
// onto apperr.CodeOf for status-code mapping instead of
// strings.Contains(err.Error(), ...).
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/ralphloop/ralph/internal/apperr"
	"github.com/ralphloop/ralph/internal/config"
	"github.com/ralphloop/ralph/internal/eventbus"
	"github.com/ralphloop/ralph/internal/filebrowser"
	gitpkg "github.com/ralphloop/ralph/internal/git"
	"github.com/ralphloop/ralph/internal/notify"
	"github.com/ralphloop/ralph/internal/ptysession"
	"github.com/ralphloop/ralph/internal/scheduled"
	"github.com/ralphloop/ralph/internal/supervisor"
)

type Server struct {
	sv     *supervisor.Supervisor
	bus    *eventbus.Bus
	files  *filebrowser.Browser
	git    *gitpkg.Manager
	notify *notify.Manager
	logger *slog.Logger
	httpSrv *http.Server
	devMode bool
	version string

	respawnDefaults config.RespawnConfig

	mu        sync.Mutex
	children  map[string]string // parentID -> auxiliary shell session ID
	scheduled map[string]*scheduled.Driver
}

type Config struct {
	Addr            string
	DevMode         bool
	Logger          *slog.Logger
	StaticFS        fs.FS // embedded web/dist files for production
	Version         string
	NotifyManager   *notify.Manager
	Supervisor      *supervisor.Supervisor
	Bus             *eventbus.Bus
	RespawnDefaults config.RespawnConfig
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		sv:              cfg.Supervisor,
		bus:             cfg.Bus,
		files:           filebrowser.New(logger),
		git:             gitpkg.New(logger),
		notify:          cfg.NotifyManager,
		logger:          logger,
		devMode:         cfg.DevMode,
		version:         cfg.Version,
		respawnDefaults: cfg.RespawnDefaults,
		children:        make(map[string]string),
		scheduled:       make(map[string]*scheduled.Driver),
	}

	if s.notify != nil && s.bus != nil {
		ch, _ := s.bus.Subscribe()
		go func() {
			for ev := range ch {
				s.notify.NotifyEvent(ev)
			}
		}()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("PATCH /api/v1/sessions/{id}", s.handlePatchSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/shell", s.handleCreateShell)
	mux.HandleFunc("GET /api/v1/sessions/{id}/shell", s.handleGetShell)
	mux.HandleFunc("GET /api/v1/sessions/{id}/plan", s.handleGetPlan)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/plan", s.handlePutPlan)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.HandleFunc("GET /api/v1/dirs", s.handleDirSuggest)

	mux.HandleFunc("GET /api/v1/files", s.handleListFiles)
	mux.HandleFunc("GET /api/v1/files/view", s.handleViewFile)
	mux.HandleFunc("GET /api/v1/files/raw", s.handleRawFile)

	mux.HandleFunc("POST /api/v1/upload", s.handleUpload)

	mux.HandleFunc("GET /api/v1/git/status", s.handleGitStatus)
	mux.HandleFunc("GET /api/v1/git/log", s.handleGitLog)
	mux.HandleFunc("GET /api/v1/git/diff", s.handleGitDiff)
	mux.HandleFunc("POST /api/v1/git/exec", s.handleGitExec)

	mux.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)

	mux.HandleFunc("POST /api/v1/scheduled", s.handleCreateScheduled)
	mux.HandleFunc("GET /api/v1/scheduled/{id}", s.handleGetScheduled)
	mux.HandleFunc("DELETE /api/v1/scheduled/{id}", s.handleStopScheduled)

	if cfg.DevMode {
		viteURL, _ := url.Parse("http://localhost:5173")
		proxy := httputil.NewSingleHostReverseProxy(viteURL)
		mux.Handle("/", proxy)
	} else if cfg.StaticFS != nil {
		fileServer := http.FileServer(http.FS(cfg.StaticFS))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if path == "/" {
				path = "index.html"
			} else {
				path = strings.TrimPrefix(path, "/")
			}

			if _, err := fs.Stat(cfg.StaticFS, path); err == nil {
				if strings.HasPrefix(r.URL.Path, "/assets/") {
					w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
				} else {
					w.Header().Set("Cache-Control", "no-cache")
				}
				fileServer.ServeHTTP(w, r)
				return
			}
			if strings.HasPrefix(r.URL.Path, "/assets/") {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Cache-Control", "no-cache")
			r.URL.Path = "/"
			fileServer.ServeHTTP(w, r)
		})
	}

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) { s.httpSrv.TLSConfig = tlsCfg }

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	if err := s.sv.Shutdown(ctx); err != nil {
		s.logger.Warn("supervisor shutdown reported errors", "err", err)
	}
	s.mu.Lock()
	for _, d := range s.scheduled {
		d.Stop()
	}
	s.mu.Unlock()
	cleanupUploads()
	return s.httpSrv.Shutdown(ctx)
}

// --- API Handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	homeDir, _ := os.UserHomeDir()
	resp := map[string]any{
		"version":  s.version,
		"hostname": hostname,
		"homeDir":  homeDir,
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

type sessionView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	WorkDir      string    `json:"workDir"`
	Mode         string    `json:"mode"`
	Lifecycle    string    `json:"lifecycle"`
	CreatedAt    time.Time `json:"createdAt"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	Cost         float64   `json:"cost"`
}

func viewOf(e *supervisor.Entry) sessionView {
	sess := e.Session
	in, out, cost := sess.TokenUsage()
	return sessionView{
		ID:           sess.ID,
		Name:         sess.Name,
		WorkDir:      sess.Config.WorkDir,
		Mode:         string(sess.Config.Mode),
		Lifecycle:    string(sess.Lifecycle()),
		CreatedAt:    sess.CreatedAt,
		InputTokens:  in,
		OutputTokens: out,
		Cost:         cost,
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	entries := s.sv.List()
	views := make([]sessionView, len(entries))
	for i, e := range entries {
		views[i] = viewOf(e)
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkDir          string `json:"workDir"`
		AssistantVariant string `json:"assistantVariant"`
		Model            string `json:"model"`
		PermissionPolicy string `json:"permissionPolicy"`
		AutoLoop         bool   `json:"autoLoop"`
		Respawn          *struct {
			IdleTimeoutSeconds     int    `json:"idleTimeoutSeconds"`
			UpdatePrompt           string `json:"updatePrompt"`
			SendClear              *bool  `json:"sendClear"`
			SendInit               *bool  `json:"sendInit"`
			InterStepDelaySeconds  int    `json:"interStepDelaySeconds"`
			KickstartPrompt        string `json:"kickstartPrompt"`
			AutoAccept             *bool  `json:"autoAccept"`
			CompletionPhrase       string `json:"completionPhrase"`
			MinConfirmDelaySeconds int    `json:"minConfirmDelaySeconds"`
			MaxConfirmDelaySeconds int    `json:"maxConfirmDelaySeconds"`
		} `json:"respawn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.WorkDir == "" {
		home, _ := os.UserHomeDir()
		req.WorkDir = home
	}

	cfg := ptysession.Config{
		WorkDir:          req.WorkDir,
		AssistantVariant: req.AssistantVariant,
		Model:            req.Model,
		PermissionPolicy: req.PermissionPolicy,
	}

	var respawnCfg *config.RespawnConfig
	if req.AutoLoop {
		rc := s.respawnDefaults
		if ov := req.Respawn; ov != nil {
			override := config.RespawnConfig{
				IdleTimeout:      time.Duration(ov.IdleTimeoutSeconds) * time.Second,
				UpdatePrompt:     ov.UpdatePrompt,
				SendClear:        rc.SendClear,
				SendInit:         rc.SendInit,
				InterStepDelay:   time.Duration(ov.InterStepDelaySeconds) * time.Second,
				KickstartPrompt:  ov.KickstartPrompt,
				AutoAccept:       rc.AutoAccept,
				CompletionPhrase: ov.CompletionPhrase,
				MinConfirmDelay:  time.Duration(ov.MinConfirmDelaySeconds) * time.Second,
				MaxConfirmDelay:  time.Duration(ov.MaxConfirmDelaySeconds) * time.Second,
			}
			if ov.SendClear != nil {
				override.SendClear = *ov.SendClear
			}
			if ov.SendInit != nil {
				override.SendInit = *ov.SendInit
			}
			if ov.AutoAccept != nil {
				override.AutoAccept = *ov.AutoAccept
			}
			rc = rc.Merge(override)
		}
		respawnCfg = &rc
	}

	entry, err := s.sv.Create(r.Context(), cfg, respawnCfg)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, viewOf(entry))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.sv.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	writeJSONResponse(w, http.StatusOK, viewOf(entry))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	destroy := r.URL.Query().Get("destroy") != "false"
	if err := s.sv.Stop(id, destroy); err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.sv.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}

	var req struct {
		PermissionPolicy *string `json:"permissionPolicy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.PermissionPolicy != nil {
		entry.Session.Config.PermissionPolicy = *req.PermissionPolicy
	}
	writeJSONResponse(w, http.StatusOK, viewOf(entry))
}

// handleCreateShell starts an auxiliary plain-shell session (§3 mode
// "shell") parented to an interactive session, the teacher's per-session
// "terminal tab" tool generalized.
func (s *Server) handleCreateShell(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("id")
	parent, ok := s.sv.Get(parentID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+parentID)
		return
	}
	entry, err := s.sv.Create(r.Context(), ptysession.Config{WorkDir: parent.Session.Config.WorkDir, Mode: ptysession.ModeShell}, nil)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	s.mu.Lock()
	s.children[parentID] = entry.Session.ID
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, viewOf(entry))
}

func (s *Server) handleGetShell(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("id")
	s.mu.Lock()
	childID, ok := s.children[parentID]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no shell session for parent: "+parentID)
		return
	}
	entry, ok := s.sv.Get(childID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no shell session for parent: "+parentID)
		return
	}
	writeJSONResponse(w, http.StatusOK, viewOf(entry))
}

// --- Plan-file Handlers ---

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.sv.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	if entry.Tracker != nil {
		writeJSONResponse(w, http.StatusOK, map[string]string{"markdown": entry.Tracker.ExportPlan()})
		return
	}
	markdown, err := s.files.ReadPlanFile(entry.Session.Config.WorkDir)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"markdown": markdown})
}

func (s *Server) handlePutPlan(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.sv.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		return
	}
	var req struct {
		Markdown string `json:"markdown"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if entry.Tracker != nil {
		entry.Tracker.ImportPlan(req.Markdown)
	}
	if err := s.files.WritePlanFile(entry.Session.Config.WorkDir, req.Markdown); err != nil {
		writeAppErr(w, err)
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.PlanUpdated, SessionID: id})
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Directory Suggestion Handler ---

func (s *Server) handleDirSuggest(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": []string{}})
		return
	}

	if strings.HasPrefix(prefix, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			prefix = home + prefix[1:]
		}
	}

	dir := filepath.Dir(prefix)
	partial := filepath.Base(prefix)

	if strings.HasSuffix(prefix, "/") {
		dir = prefix
		partial = ""
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": []string{}})
		return
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if partial != "" && !strings.HasPrefix(strings.ToLower(name), strings.ToLower(partial)) {
			continue
		}
		dirs = append(dirs, filepath.Join(dir, name))
		if len(dirs) >= 10 {
			break
		}
	}

	if dirs == nil {
		dirs = []string{}
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"dirs": dirs})
}

// --- File Browser Handlers ---

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	dir := r.URL.Query().Get("path")
	hidden := r.URL.Query().Get("hidden") == "true"

	result, err := s.files.List(dir, hidden)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleViewFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	result, err := s.files.View(path)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleRawFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	s.files.ServeRaw(w, r, path)
}

// --- Upload Handler ---

const uploadDir = "/tmp/ralph/upload"
const maxUploadSize = 20 << 20 // 20MB

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "file too large (max 20MB)")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file field")
		return
	}
	defer file.Close()

	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create upload directory")
		return
	}

	safeName := filepath.Base(header.Filename)
	filename := fmt.Sprintf("%d_%s", time.Now().UnixNano(), safeName)
	destPath := filepath.Join(uploadDir, filename)

	dst, err := os.Create(destPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create file")
		return
	}
	defer dst.Close()

	written, err := dst.ReadFrom(file)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to write file")
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"path": destPath,
		"name": header.Filename,
		"size": written,
		"mime": mime,
	})
}

func cleanupUploads() { os.RemoveAll(uploadDir) }

// --- Git Handlers ---

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.git.Status(r.URL.Query().Get("workDir"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	workDir := r.URL.Query().Get("workDir")
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}
	result, err := s.git.Log(workDir, limit)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	result, err := s.git.Diff(r.URL.Query().Get("workDir"), r.URL.Query().Get("ref"))
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

func (s *Server) handleGitExec(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkDir string   `json:"workDir"`
		Args    []string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	result, err := s.git.Exec(req.WorkDir, req.Args)
	if err != nil {
		writeAppErr(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// --- Web Push Handlers ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"publicKey": s.notify.VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Scheduled-run Handlers ---

func (s *Server) handleCreateScheduled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt     string  `json:"prompt"`
		WorkDir    string  `json:"workDir"`
		DurationMin float64 `json:"durationMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Prompt == "" || req.WorkDir == "" || req.DurationMin <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "prompt, workDir, and a positive durationMinutes are required")
		return
	}

	id := fmt.Sprintf("run_%d", time.Now().UnixNano())
	driver := scheduled.New(id, req.Prompt, req.WorkDir, time.Duration(req.DurationMin*float64(time.Minute)), s.sv.MultiplexerForScheduled(), s.logger)
	s.mu.Lock()
	s.scheduled[id] = driver
	s.mu.Unlock()
	go driver.Start(r.Context())

	writeJSONResponse(w, http.StatusOK, driver.Snapshot())
}

func (s *Server) handleGetScheduled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	driver, ok := s.scheduled[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "scheduled run not found: "+id)
		return
	}
	writeJSONResponse(w, http.StatusOK, driver.Snapshot())
}

func (s *Server) handleStopScheduled(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	driver, ok := s.scheduled[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "scheduled run not found: "+id)
		return
	}
	driver.Stop()
	writeJSONResponse(w, http.StatusOK, driver.Snapshot())
}

// --- Helpers ---

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// writeAppErr maps an *apperr.Error to an HTTP status by code instead of
// string-matching the error message, per §7.
func writeAppErr(w http.ResponseWriter, err error) {
	code, ok := apperr.CodeOf(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeInvalid:
		status = http.StatusBadRequest
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeAlreadyExists:
		status = http.StatusConflict
	case apperr.CodeBusy:
		status = http.StatusTooManyRequests
	case apperr.CodeResourceExhausted:
		status = http.StatusTooManyRequests
	case apperr.CodeCircuitOpen:
		status = http.StatusConflict
	case apperr.CodeOperationFailed:
		status = http.StatusInternalServerError
	}
	writeError(w, status, string(code), err.Error())
}
