// Package styleapitest runs an in-memory fake of the remote Style Preference
// API for tests.
package styleapitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"stylebench/internal/domain"
)

type Route string

const (
	RouteHealth      Route = "health"
	RouteCreate      Route = "create"
	RouteIterate     Route = "iterate"
	RouteSaveProfile Route = "save_profile"
	RouteGetProfile  Route = "get_profile"
)

var styles = []string{"Classic", "Creative", "Fashionista", "Sophisticated", "Romantic", "Natural", "Modern", "Glam", "Streetstyle"}

// Failure forces a route to reply with Status and {"error": Message}.
type Failure struct {
	Status  int
	Message string
}

// Request is one recorded call.
type Request struct {
	Route     Route
	Path      string
	Iteration int
	AIID      string
	Body      map[string]interface{}
}

type preference struct {
	aiID      string
	gender    string
	iteration int
	lastStyle string
	lastImage string
	scores    map[string]float64
	history   []domain.SelectionRecord
}

type Server struct {
	*httptest.Server

	mu          sync.Mutex
	calls       map[Route]int
	requests    []Request
	failures    map[Route]Failure
	preferences map[string]*preference
	seq         int
	skew        int
	topStyles   json.RawMessage
	onIterate   func(iteration int)
}

func NewServer() *Server {
	s := &Server{
		calls:       make(map[Route]int),
		failures:    make(map[Route]Failure),
		preferences: make(map[string]*preference),
	}
	r := chi.NewRouter()
	r.Get("/api", s.handleHealth)
	r.Post("/api/preference", s.handleCreate)
	r.Post("/api/preference/{id}/iteration/{n}", s.handleIterate)
	r.Post("/api/preference/{id}/profile", s.handleSaveProfile)
	r.Get("/api/preference/{id}/profile", s.handleGetProfile)
	s.Server = httptest.NewServer(r)
	return s
}

// Fail makes every call to route fail until Recover is called.
func (s *Server) Fail(route Route, status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = Failure{Status: status, Message: message}
}

func (s *Server) Recover(route Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, route)
}

// SkewIterations makes the server report iteration n+delta for a request at n.
func (s *Server) SkewIterations(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skew = delta
}

// SetTopStyles overrides the top_styles payload of every profile reply.
func (s *Server) SetTopStyles(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topStyles = json.RawMessage(raw)
}

// OnIterate registers a hook that runs before an iteration is processed.
// It runs outside the server lock, so it may block.
func (s *Server) OnIterate(fn func(iteration int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIterate = fn
}

// SetIteration moves a preference to iteration n, as if n iterations had
// already been recorded.
func (s *Server) SetIteration(preferenceID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.preferences[preferenceID]; ok {
		p.iteration = n
		p.lastStyle = "casual"
		p.lastImage = fmt.Sprintf("%s/casual/img%d.jpg", p.gender, n)
	}
}

func (s *Server) Calls(route Route) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

func (s *Server) Requests(route Route) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if r.Route == route {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) record(route Route, r *http.Request, iteration int, body map[string]interface{}) (Failure, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[route]++
	s.requests = append(s.requests, Request{
		Route:     route,
		Path:      r.URL.Path,
		Iteration: iteration,
		AIID:      r.Header.Get("AI-ID"),
		Body:      body,
	})
	f, failing := s.failures[route]
	return f, failing
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if f, failing := s.record(RouteHealth, r, 0, nil); failing {
		writeError(w, f.Status, f.Message)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	body := decodeBody(r)
	if f, failing := s.record(RouteCreate, r, 0, body); failing {
		writeError(w, f.Status, f.Message)
		return
	}
	accessID, _ := body["access_id"].(string)
	gender, _ := body["gender"].(string)
	if accessID == "" || !domain.Gender(gender).Valid() {
		writeError(w, http.StatusBadRequest, "Invalid parameters")
		return
	}

	s.mu.Lock()
	s.seq++
	id := "p" + strconv.Itoa(s.seq)
	aiID := "a" + strconv.Itoa(s.seq)
	s.preferences[id] = &preference{
		aiID:   aiID,
		gender: gender,
		scores: make(map[string]float64),
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"preference_id": id, "ai_id": aiID})
}

func (s *Server) handleIterate(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(chi.URLParam(r, "n"))
	body := decodeBody(r)
	if f, failing := s.record(RouteIterate, r, n, body); failing {
		writeError(w, f.Status, f.Message)
		return
	}

	s.mu.Lock()
	hook := s.onIterate
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, status, msg := s.authorize(r)
	if p == nil {
		writeError(w, status, msg)
		return
	}
	feedback, _ := body["feedback"].(string)
	style, _ := body["style"].(string)
	imageKey, _ := body["image_key"].(string)
	if n < 1 || n > domain.FinalIteration || !domain.Feedback(feedback).Valid() {
		writeError(w, http.StatusBadRequest, "Invalid parameters")
		return
	}
	if n == domain.FinalIteration && (style == "" || imageKey == "") {
		writeError(w, http.StatusBadRequest, "Invalid parameters")
		return
	}

	if p.lastStyle != "" {
		delta := -0.5
		if feedback == string(domain.FeedbackLike) {
			delta = 1.0
		}
		p.scores[p.lastStyle] += delta
		p.history = append(p.history, domain.SelectionRecord{
			Image:        p.lastImage,
			Style:        p.lastStyle,
			Feedback:     feedback,
			ScoreChange:  delta,
			CurrentScore: p.scores[p.lastStyle],
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		})
	}

	reported := n + s.skew
	p.iteration = reported
	if reported >= domain.FinalIteration {
		p.lastStyle, p.lastImage = "", ""
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"image_url": nil,
			"iteration": reported,
			"completed": true,
		})
		return
	}

	nextStyle := styles[reported%len(styles)]
	key := fmt.Sprintf("%s/%s/img%d.jpg", p.gender, nextStyle, reported)
	p.lastStyle, p.lastImage = nextStyle, key
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"image_url": "https://images.example/" + key,
		"iteration": reported,
		"completed": false,
		"style":     nextStyle,
		"image_key": key,
	})
}

func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	if f, failing := s.record(RouteSaveProfile, r, 0, nil); failing {
		writeError(w, f.Status, f.Message)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, status, msg := s.authorize(r); p == nil {
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Profile saved successfully"})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	if f, failing := s.record(RouteGetProfile, r, 0, nil); failing {
		writeError(w, f.Status, f.Message)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, status, msg := s.authorize(r)
	if p == nil {
		writeError(w, status, msg)
		return
	}
	if s.topStyles == nil && len(p.history) == 0 {
		writeError(w, http.StatusBadRequest, "Profile not ready")
		return
	}

	topStyles := s.topStyles
	if topStyles == nil {
		raw, _ := json.Marshal(p.scores)
		topStyles = raw
	}
	history := p.history
	if history == nil {
		history = []domain.SelectionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"top_styles":        topStyles,
		"selection_history": history,
	})
}

// authorize must be called with s.mu held.
func (s *Server) authorize(r *http.Request) (*preference, int, string) {
	p, ok := s.preferences[chi.URLParam(r, "id")]
	if !ok {
		return nil, http.StatusNotFound, "Resource not found"
	}
	if r.Header.Get("AI-ID") != p.aiID {
		return nil, http.StatusUnauthorized, "Invalid AI ID"
	}
	return p, 0, ""
}

func decodeBody(r *http.Request) map[string]interface{} {
	body := map[string]interface{}{}
	if r.Body == nil {
		return body
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
