package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"waveminer/internal/config"
	"waveminer/internal/domain"
	"waveminer/internal/journal"
	"waveminer/internal/runtime"
)

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

// Server is the operator-facing API. Every mutation routes through the
// runtime loop so protocol state is only ever touched on its goroutine.
type Server struct {
	cfg  config.Config
	loop *runtime.Loop
	inv  *domain.Inventory
	jour journal.Journal
}

func NewServer(cfg config.Config, loop *runtime.Loop, inv *domain.Inventory, jour journal.Journal) *Server {
	return &Server{cfg: cfg, loop: loop, inv: inv, jour: jour}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)
		protected.Post("/admin/logout", s.handleAdminLogout)
		protected.Get("/status", s.handleStatus)
		protected.Get("/inventory", s.handleInventory)
		protected.Get("/events", s.handleListEvents)
		protected.Post("/mining/start", s.handleMiningStart)
		protected.Post("/mining/stop", s.handleMiningStop)
		protected.Post("/position", s.handlePosition)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.loop.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	var snapshot domain.Inventory
	err := s.loop.Do(r.Context(), func() {
		snapshot = domain.Inventory{
			CapacityPerFrequency: s.inv.CapacityPerFrequency,
			Composition:          append([]domain.FrequencyCount(nil), s.inv.Composition...),
		}
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capacity_per_frequency": snapshot.CapacityPerFrequency,
		"composition":            snapshot.Composition,
		"total":                  snapshot.Total(),
	})
}

func (s *Server) handleMiningStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceID uint64                  `json:"source_id"`
		Profile  []domain.FrequencyCount `json:"profile,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SourceID == 0 {
		writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}
	if err := s.loop.StartMining(r.Context(), req.SourceID, req.Profile); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"source_id": req.SourceID,
	})
}

func (s *Server) handleMiningStop(w http.ResponseWriter, r *http.Request) {
	if err := s.loop.StopMining(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req domain.Vec3
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.loop.SetPosition(r.Context(), req); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 20)
	entries := s.jour.Tail(limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": entries,
		"count":  len(entries),
	})
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(s.cfg.AdminTokenTTL)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid admin claims")
			return
		}
		sub, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
