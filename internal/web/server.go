package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"zigbee-tuya-bridge/internal/coordinator"
	"zigbee-tuya-bridge/internal/store"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithScripts exposes the Lua converter directory listing.
func WithScripts(l ScriptLister) ServerOption {
	return func(s *Server) {
		s.scripts = l
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// ScriptLister lists Lua converter files.
type ScriptLister interface {
	List() ([]string, error)
}

// Server is the HTTP API and event stream.
type Server struct {
	coord          *coordinator.Coordinator
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scripts        ScriptLister
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// DeviceView is a device enriched with profile information.
type DeviceView struct {
	IEEEAddress  string         `json:"ieee_address"`
	ShortAddress uint16         `json:"short_address"`
	Endpoint     uint8          `json:"endpoint"`
	Manufacturer string         `json:"manufacturer,omitempty"`
	Model        string         `json:"model,omitempty"`
	FriendlyName string         `json:"friendly_name,omitempty"`
	Description  string         `json:"description,omitempty"`
	JoinedAt     time.Time      `json:"joined_at"`
	LastSeen     *time.Time     `json:"last_seen,omitempty"`
	LQI          uint8          `json:"lqi"`
	RSSI         int8           `json:"rssi"`
	LQIQuality   string         `json:"lqi_quality,omitempty"` // "good", "fair", "poor"
	Known        bool           `json:"known"`
	Fields       []string       `json:"fields,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
}

// NewServer creates a new web server.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		coord:  coord,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Subscribe to all coordinator events and broadcast via WebSocket
	s.unsubEvents = coord.Events().OnAll(func(event coordinator.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAPIAddDevice)
	s.mux.HandleFunc("GET /api/devices/{ieee}", s.handleAPIGetDevice)
	s.mux.HandleFunc("PATCH /api/devices/{ieee}", s.handleAPIRenameDevice)
	s.mux.HandleFunc("DELETE /api/devices/{ieee}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("PUT /api/devices/{ieee}/options", s.handleAPISetOptions)
	s.mux.HandleFunc("POST /api/devices/{ieee}/set", s.handleAPISetState)
	s.mux.HandleFunc("POST /api/devices/{ieee}/query", s.handleAPIQuery)
	s.mux.HandleFunc("POST /api/devices/{ieee}/dps", s.handleAPISendDataPoints)
	s.mux.HandleFunc("GET /api/profiles", s.handleAPIListProfiles)
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("GET /api/diagnostics", s.handleAPIDiagnostics)
	s.mux.HandleFunc("GET /api/radio", s.handleAPIRadioInfo)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// The API and the event stream share the key. Browsers cannot set
	// headers on the WS upgrade, so they pass it as ?api_key=.
	if s.apiKey != "" && (strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws") {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func lqiQuality(lqi uint8) string {
	switch {
	case lqi == 0:
		return ""
	case lqi >= 171:
		return "good"
	case lqi >= 85:
		return "fair"
	default:
		return "poor"
	}
}

// enrichDevice creates a DeviceView from a store.Device.
func (s *Server) enrichDevice(dev *store.Device) DeviceView {
	v := DeviceView{
		IEEEAddress:  dev.IEEEAddress,
		ShortAddress: dev.ShortAddress,
		Endpoint:     dev.Endpoint,
		Manufacturer: dev.Manufacturer,
		Model:        dev.Model,
		FriendlyName: dev.FriendlyName,
		JoinedAt:     dev.JoinedAt,
		LQI:          dev.LQI,
		RSSI:         dev.RSSI,
		LQIQuality:   lqiQuality(dev.LQI),
		State:        dev.State,
		Options:      dev.Options,
	}
	if !dev.LastSeen.IsZero() {
		seen := dev.LastSeen
		v.LastSeen = &seen
	}
	if db := s.coord.DeviceDB(); db != nil {
		if p := db.Lookup(dev.Manufacturer, dev.Model); p != nil {
			v.Known = true
			v.Description = p.Def.Description
			v.Fields = p.Chain.Fields()
		}
	}
	return v
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
