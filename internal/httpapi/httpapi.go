// Package httpapi exposes the gateway's RFID/QR user-flow endpoints, the
// staff/admin control surface, fleet heartbeats, and a server-sent-events
// stream of broadcast.Hub messages, wired together with chi the way the
// rest of the locker-control stack composes its services behind narrow
// interfaces rather than concrete types.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
	"github.com/ManuGH/xg2g/internal/broadcast"
	"github.com/ManuGH/xg2g/internal/displayname"
	"github.com/ManuGH/xg2g/internal/fleet"
	"github.com/ManuGH/xg2g/internal/hardware"
	"github.com/ManuGH/xg2g/internal/health"
	"github.com/ManuGH/xg2g/internal/locker/manager"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/queue"
	"github.com/ManuGH/xg2g/internal/ratelimit"
	"github.com/ManuGH/xg2g/internal/userflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"
)

// DisplayNameChecker is the store's uniqueness lookup, used standalone here
// (rather than through manager.Manager) so display-name validation can run
// before touching the CAS write path.
type DisplayNameChecker = displayname.UniquenessChecker

// Server wires the user-flow/staff services into an HTTP surface.
type Server struct {
	userflow    *userflow.Service
	lsm         *manager.Manager
	cq          *queue.Service
	hw          *hardware.Executor
	fleet       *fleet.Tracker
	health      *health.Manager
	hub         *broadcast.Hub
	auditLogger *audit.Logger
	nameChecker DisplayNameChecker
	adminToken  string
	logger      zerolog.Logger
}

// New constructs a Server. adminToken gates every /admin route via a
// bearer-token check; an empty token disables admin routes entirely.
func New(uf *userflow.Service, lsm *manager.Manager, cq *queue.Service, hw *hardware.Executor, ft *fleet.Tracker, hm *health.Manager, hub *broadcast.Hub, auditLogger *audit.Logger, nameChecker DisplayNameChecker, adminToken string) *Server {
	return &Server{
		userflow:    uf,
		lsm:         lsm,
		cq:          cq,
		hw:          hw,
		fleet:       ft,
		health:      hm,
		hub:         hub,
		auditLogger: auditLogger,
		nameChecker: nameChecker,
		adminToken:  adminToken,
		logger:      log.WithComponent("httpapi"),
	}
}

// Router builds the full chi mux: public reader/kiosk endpoints, the admin
// surface, health/readiness probes, and the event stream.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.ServeHealth)
	r.Get("/readyz", s.health.ServeReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(120, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

		r.Post("/rfid/scan", s.handleCardScan)
		r.Post("/rfid/select", s.handleLockerSelection)
		r.Post("/qr/{kioskID}/{lockerID}", s.handleQrRequest)
		r.Post("/kiosks/{kioskID}/heartbeat", s.handleHeartbeat)
		r.Get("/stream", s.handleStream)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/lockers/{kioskID}/{lockerID}/open", s.handleStaffOpen)
			r.Post("/lockers/{kioskID}/bulk_open", s.handleBulkOpen)
			r.Post("/lockers/{kioskID}/{lockerID}/block", s.handleBlock)
			r.Post("/lockers/{kioskID}/{lockerID}/unblock", s.handleUnblock)
			r.Post("/lockers/{kioskID}/{lockerID}/force_transition", s.handleForceTransition)
			r.Patch("/lockers/{kioskID}/{lockerID}/display_name", s.handleDisplayName)
			r.Get("/fleet", s.handleFleetStatus)
		})
	})

	return r
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusServiceUnavailable, "admin API disabled")
			return
		}
		token := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(token) <= len(prefix) || token[:len(prefix)] != prefix || token[len(prefix):] != s.adminToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clientIdentity(r *http.Request) string {
	return ratelimit.GetClientIP(r)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
