package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/famtask/internal/blob"
	"github.com/dukerupert/famtask/internal/entitlement"
	"github.com/dukerupert/famtask/internal/family"
	"github.com/dukerupert/famtask/internal/handler"
	"github.com/dukerupert/famtask/internal/live"
	"github.com/dukerupert/famtask/internal/middleware"
	"github.com/dukerupert/famtask/internal/ratelimit"
	"github.com/dukerupert/famtask/internal/task"
)

// Mutating requests allowed per member per window.
const (
	writeLimit  = 120
	writeWindow = time.Minute
)

// Server serves the family and task API and the live feed.
type Server struct {
	db          *sql.DB
	hub         *live.Hub
	families    *family.Service
	tasks       *task.Service
	familyH     *handler.FamilyHandler
	taskH       *handler.TaskHandler
	verifier    middleware.TokenVerifier
	rateLimiter *ratelimit.Limiter
	logger      *slog.Logger
}

// New wires the services over db. oracle and blobs may be nil.
func New(db *sql.DB, verifier middleware.TokenVerifier, oracle entitlement.Oracle, blobs blob.Store, logger *slog.Logger) *Server {
	hub := live.NewHub(logger.With("component", "live"))
	tasks := task.NewService(db, oracle, blobs, hub, logger)
	families := family.NewService(db, tasks, oracle, hub, logger)

	return &Server{
		db:          db,
		hub:         hub,
		families:    families,
		tasks:       tasks,
		familyH:     handler.NewFamilyHandler(families, logger.With("component", "family_handler")),
		taskH:       handler.NewTaskHandler(tasks, logger.With("component", "task_handler")),
		verifier:    verifier,
		rateLimiter: ratelimit.New(),
		logger:      logger,
	}
}

// Hub returns the live event hub.
func (s *Server) Hub() *live.Hub {
	return s.hub
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *ratelimit.Limiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()
	outerMux.HandleFunc("GET /health", healthHandler)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", middleware.RequireAuth(s.verifier)(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	write := rateLimited(s.rateLimiter)

	registerFamilyRoutes(mux, s.familyH, write)
	registerTaskRoutes(mux, s.taskH, write)

	// Live feed
	mux.HandleFunc("GET /ws", live.HandleFeed(s.hub, s.db, s.logger))
}

func registerFamilyRoutes(mux *http.ServeMux, h *handler.FamilyHandler, write func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/members", write(h.RegisterMember))
	mux.HandleFunc("POST /api/families", write(h.Create))
	mux.HandleFunc("POST /api/families/join", write(h.Join))
	mux.HandleFunc("GET /api/families/{id}", h.Get)
	mux.HandleFunc("PUT /api/families/{id}", write(h.Update))
	mux.HandleFunc("POST /api/families/{id}/invite-code", write(h.RegenerateInviteCode))
	mux.HandleFunc("POST /api/families/{id}/leave", write(h.Leave))
	mux.HandleFunc("GET /api/families/{id}/members", h.ListMembers)
	mux.HandleFunc("PUT /api/families/{id}/members/{mid}/role", write(h.ChangeRole))
	mux.HandleFunc("DELETE /api/families/{id}/members/{mid}", write(h.RemoveMember))
}

func registerTaskRoutes(mux *http.ServeMux, h *handler.TaskHandler, write func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("POST /api/families/{id}/tasks", write(h.Create))
	mux.HandleFunc("GET /api/families/{id}/tasks", h.List)
	mux.HandleFunc("GET /api/families/{id}/tasks/overdue", h.Overdue)
	mux.HandleFunc("GET /api/families/{id}/tasks/stats", h.Stats)
	mux.HandleFunc("GET /api/tasks/{id}", h.Get)
	mux.HandleFunc("PUT /api/tasks/{id}", write(h.Update))
	mux.HandleFunc("POST /api/tasks/{id}/complete", write(h.Complete))
	mux.HandleFunc("POST /api/tasks/{id}/validate", write(h.Validate))
	mux.HandleFunc("DELETE /api/tasks/{id}", write(h.Delete))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// rateLimited limits mutating requests per member, or per address before
// authentication.
func rateLimited(limiter *ratelimit.Limiter) func(http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(limiter, middleware.CallerOrIP, middleware.Limit{Max: writeLimit, Window: writeWindow})
	return func(h http.HandlerFunc) http.HandlerFunc {
		limited := rl(h)
		return limited.ServeHTTP
	}
}
