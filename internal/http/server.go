package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"stylebench/internal/config"
	"stylebench/internal/domain"
	"stylebench/internal/integrations/telegram"
	"stylebench/internal/integrations/webhook"
	"stylebench/internal/service/health"
	"stylebench/internal/service/profile"
	"stylebench/internal/session"
	storepkg "stylebench/internal/store"
)

type contextKey string

const contextKeyAdminSubject contextKey = "admin_subject"

type Server struct {
	cfg       config.Config
	store     storepkg.Store
	sessions  *session.Manager
	monitor   *health.Monitor
	notifier  *telegram.Notifier
	publisher *webhook.Client
	logger    *slog.Logger

	background sync.WaitGroup
}

func NewServer(
	cfg config.Config,
	store storepkg.Store,
	sessions *session.Manager,
	monitor *health.Monitor,
	notifier *telegram.Notifier,
	publisher *webhook.Client,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		sessions:  sessions,
		monitor:   monitor,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.With("component", "http"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(cors(s.cfg.AllowedOrigins))
	if s.cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}

	r.Get("/health", s.handleHealth)
	r.Post("/admin/login", s.handleAdminLogin)

	r.Group(func(protected chi.Router) {
		protected.Use(s.requireAdmin)
		protected.Post("/admin/logout", s.handleAdminLogout)

		protected.Get("/api/status", s.handleAPIStatus)
		protected.Post("/api/status/refresh", s.handleAPIStatusRefresh)

		protected.Post("/session", s.handleCreateSession)
		protected.Post("/session/bootstrap", s.handleBootstrap)
		protected.Post("/session/advance", s.handleAdvance)
		protected.Get("/session/status", s.handleSessionStatus)
		protected.Delete("/session", s.handleEndSession)

		protected.Get("/profile", s.handleProfile)
		protected.Post("/profile/save", s.handleSaveProfile)

		protected.Get("/events", s.handleListEvents)
	})

	return r
}

// Wait blocks until background event deliveries have finished.
func (s *Server) Wait() {
	s.background.Wait()
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

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.apiStatus(s.monitor.Snapshot()))
}

func (s *Server) handleAPIStatusRefresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.apiStatus(s.monitor.Check(r.Context())))
}

func (s *Server) apiStatus(snap health.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"api":     snap,
		"session": s.sessions.Status(),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessID string        `json:"access_id"`
		Gender   domain.Gender `json:"gender"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.sessions.CreateSession(r.Context(), req.AccessID, req.Gender)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	event := s.emitEvent(r.Context(), domain.EventSessionCreated, sess.SessionID, map[string]interface{}{
		"gender": string(req.Gender),
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"preference_id":     sess.SessionID,
		"current_iteration": sess.CurrentIteration,
		"event_id":          event.ID,
	})
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	result, err := s.sessions.BootstrapFirstImage(r.Context())
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	s.recordAdvance(r.Context(), "", result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req domain.AdvanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.sessions.Advance(r.Context(), req)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	s.recordAdvance(r.Context(), req.Feedback, result)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) recordAdvance(ctx context.Context, feedback domain.Feedback, result domain.IterationResult) {
	preferenceID := result.PreferenceID
	payload := map[string]interface{}{
		"iteration":           result.Iteration,
		"requested_iteration": result.RequestedIteration,
	}
	if feedback != "" {
		payload["feedback"] = string(feedback)
	} else {
		payload["bootstrap"] = true
	}
	s.emitEvent(ctx, domain.EventIterationAdvanced, preferenceID, payload)
	if !result.Completed {
		return
	}
	s.emitEvent(ctx, domain.EventSequenceCompleted, preferenceID, map[string]interface{}{
		"iteration": result.Iteration,
	})
	s.notifyCompletion(preferenceID)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Session()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        s.sessions.Status(),
		"preference_id": sess.SessionID,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	prev := s.sessions.EndSession(r.Context())
	if prev.Authenticated() {
		s.emitEvent(r.Context(), domain.EventSessionEnded, prev.SessionID, map[string]interface{}{
			"iteration": prev.CurrentIteration,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"status": s.sessions.Status(),
	})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.sessions.Profile(r.Context())
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profile": p,
		"ranked":  profile.Rank(p),
		"summary": profile.Summarize(p),
	})
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	msg, err := s.sessions.SaveProfile(r.Context())
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	sess := s.sessions.Session()
	event := s.emitEvent(r.Context(), domain.EventProfileSaved, sess.SessionID, map[string]interface{}{
		"iteration": sess.CurrentIteration,
		"message":   msg,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  msg,
		"event_id": event.ID,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), storepkg.DefaultEventLimit)
	events, err := s.store.ListEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("list events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": events})
}

// writeSessionError maps manager errors onto HTTP statuses. When the request
// deadline itself expired nothing is written: middleware.Timeout replies 504
// once the handler returns.
func (s *Server) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		s.logger.Warn("request timed out", "path", r.URL.Path, "error", err)
		return
	}
	var (
		authErr     *session.AuthenticationError
		argErr      *session.InvalidArgumentError
		completeErr *session.SequenceCompleteError
		advanceErr  *session.IterationAdvanceError
		requestErr  *session.RequestError
	)
	switch {
	case errors.As(err, &argErr):
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
			"field": argErr.Field,
		})
	case errors.As(err, &completeErr):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     err.Error(),
			"iteration": completeErr.Iteration,
		})
	case errors.As(err, &advanceErr):
		s.logger.Warn("advance failed", "iteration", advanceErr.Iteration, "upstream_status", advanceErr.StatusCode, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":           err.Error(),
			"iteration":       advanceErr.Iteration,
			"upstream_status": advanceErr.StatusCode,
			"message":         advanceErr.Message,
		})
	case errors.As(err, &authErr):
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":           err.Error(),
			"upstream_status": authErr.StatusCode,
		})
	case errors.As(err, &requestErr):
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":           err.Error(),
			"upstream_status": requestErr.StatusCode,
			"message":         requestErr.Message,
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream timed out")
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		s.logger.Error("unexpected session error", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// emitEvent records the event and hands it to the webhook in the background.
// The payload is tagged with the admin who made the request.
// A failed append is logged and the zero event returned.
func (s *Server) emitEvent(ctx context.Context, eventType domain.EventType, preferenceID string, payload map[string]interface{}) domain.Event {
	if sub := adminSubject(ctx); sub != "" {
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload["actor"] = sub
	}
	event, err := s.store.AppendEvent(context.WithoutCancel(ctx), eventType, preferenceID, payload)
	if err != nil {
		s.logger.Error("append event failed", "event_type", eventType, "preference_id", preferenceID, "error", err)
		return domain.Event{}
	}
	if !s.publisher.Enabled() {
		return event
	}
	s.background.Add(1)
	go func(evt domain.Event) {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.publishBudget())
		defer cancel()
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Warn("webhook delivery failed", "event_id", evt.ID, "event_type", evt.Type, "error", err)
		}
	}(event)
	return event
}

func (s *Server) publishBudget() time.Duration {
	attempts := time.Duration(s.cfg.WebhookMaxRetries + 1)
	return attempts*s.cfg.WebhookTimeout + attempts*s.cfg.WebhookRetryMax
}

func (s *Server) notifyCompletion(preferenceID string) {
	if !s.notifier.Enabled() {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		p, err := s.sessions.Profile(ctx)
		if err != nil {
			p = domain.EmptyProfile()
		}
		if err := s.notifier.Notify(ctx, telegram.CompletionMessage(preferenceID, p)); err != nil {
			s.logger.Warn("completion notification failed", "preference_id", preferenceID, "error", err)
		}
	}()
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	ttl := s.cfg.AdminTokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": now.Unix(),
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
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
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

func adminSubject(ctx context.Context) string {
	sub, _ := ctx.Value(contextKeyAdminSubject).(string)
	return sub
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
