package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"calsync/internal/bridge"
	"calsync/internal/cache"
	"calsync/internal/config"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/service"
)

// ChangeEndpoint names the unsolicited pushes sent when a cached busytime
// changes.
const ChangeEndpoint = "busytimes/changed"

const (
	outboxSize      = 64
	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Server exposes the bridge over a websocket plus a few plain HTTP
// endpoints (/health, /api/status, /api/busytimes).
type Server struct {
	cfg   *config.Config
	svc   *service.Service
	cache *cache.Controller
	mux   *http.ServeMux
}

// NewServer constructs a new Server. cache may be nil, in which case no
// change pushes are sent.
func NewServer(cfg *config.Config, svc *service.Service, c *cache.Controller) *Server {
	s := &Server{
		cfg:   cfg,
		svc:   svc,
		cache: c,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/status", s.handleStatus)
	s.mux.HandleFunc("/api/busytimes", s.handleBusytimes)
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type statusResponse struct {
	State   string   `json:"state"`
	Methods []string `json:"methods"`
	Streams []string `json:"streams"`
}

// handleStatus reports the open state and the endpoint catalog. It never
// triggers the open step.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	methods, streams := s.svc.Endpoints()
	writeJSON(w, http.StatusOK, statusResponse{
		State:   s.svc.State().String(),
		Methods: methods,
		Streams: streams,
	})
}

// handleBusytimes collects the busytimes/list stream into one JSON array.
//
// Query parameters:
//
//	start, end: unix milliseconds; end defaults to start + 7 days and
//	start defaults to now.
func (s *Server) handleBusytimes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	q := r.URL.Query()
	start := parseInt64Default(q.Get("start"), time.Now().UnixMilli())
	end := parseInt64Default(q.Get("end"), start+int64(7*24*time.Hour/time.Millisecond))
	params, err := json.Marshal(map[string]int64{"start": start, "end": end})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	bts := make([]model.Busytime, 0)
	err = s.svc.OpenStream(r.Context(), "busytimes/list", params, func(v any) error {
		if bt, ok := v.(model.Busytime); ok {
			bts = append(bts, bt)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, service.ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		appLog.Error("busytimes request failed", err, "start", start, "end", end)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, bts)
}

// handleWS bridges one websocket connection to the service. Each text
// frame carries a bridge.Request; each Response goes back as its own
// frame. Cache changes are pushed unsolicited and dropped when the client
// falls behind.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Without patterns the library only accepts same-origin browsers.
	var origins []string
	if s.cfg != nil {
		origins = s.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		appLog.Error("websocket accept failed", err, "remote", r.RemoteAddr)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	in := make(chan bridge.Request)
	// out is never closed: pushes and handlers may race with teardown and
	// the writer stops on ctx instead.
	out := make(chan bridge.Response, outboxSize)

	if s.cache != nil {
		unsubscribe := s.cache.Subscribe(func(ch cache.Change) {
			select {
			case out <- bridge.Response{Endpoint: ChangeEndpoint, Data: ch}:
			default:
				appLog.Debug("dropping change push for slow client", "event", ch.EventID)
			}
		})
		defer unsubscribe()
	}

	go s.writeLoop(ctx, cancel, conn, out)

	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := s.svc.Serve(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
			appLog.Error("bridge serve failed", err)
		}
	}()

	appLog.Debug("websocket client connected", "remote", r.RemoteAddr)
	s.readLoop(ctx, conn, in, out)

	cancel()
	<-served
	_ = conn.Close(websocket.StatusNormalClosure, "")
	appLog.Debug("websocket client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, in chan<- bridge.Request, out chan<- bridge.Response) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var req bridge.Request
		if err := json.Unmarshal(data, &req); err != nil {
			select {
			case out <- bridge.Response{Error: "invalid request: " + err.Error(), Done: true}:
			case <-ctx.Done():
				return
			}
			continue
		}
		select {
		case in <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan bridge.Response) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-out:
			data, err := json.Marshal(resp)
			if err != nil {
				appLog.Error("failed to encode bridge response", err, "id", resp.ID, "endpoint", resp.Endpoint)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func parseInt64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
