// Package session tracks one authenticated feedback sequence against the
// remote Style API and advances it one iteration at a time.
//
// The local counter only moves on a confirmed server reply, and the next
// request always targets CurrentIteration+1. Mutating operations are
// serialised so two advances can never compute the same target.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"stylebench/internal/domain"
	"stylebench/internal/styleapi"
)

const (
	KeyIdentityToken    = "style_ai_id"
	KeySessionID        = "style_preference_id"
	KeyCurrentIteration = "style_current_iteration"
)

// PlaceholderFeedback is sent when fetching the first image of a session.
// The server records it as a real dislike.
const PlaceholderFeedback = domain.FeedbackDislike

// API is the subset of the remote Style API the manager drives.
type API interface {
	CreatePreference(ctx context.Context, accessID string, gender domain.Gender) (styleapi.CreatePreferenceResponse, error)
	Iterate(ctx context.Context, identityToken, preferenceID string, iteration int, req styleapi.IterationRequest) (styleapi.IterationResponse, error)
	SaveProfile(ctx context.Context, identityToken, preferenceID string) (styleapi.SaveProfileResponse, error)
	GetProfile(ctx context.Context, identityToken, preferenceID string) (styleapi.ProfileResponse, error)
}

// Storage is a durable string key/value store. SetAll writes every pair or
// none of them.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetAll(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

type Manager struct {
	api     API
	storage Storage
	logger  *slog.Logger

	// slot serialises CreateSession, Advance, BootstrapFirstImage and EndSession.
	slot chan struct{}

	mu    sync.RWMutex
	state domain.Session
}

// NewManager restores any session persisted in storage.
func NewManager(ctx context.Context, api API, storage Storage, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		api:     api,
		storage: storage,
		logger:  logger.With("component", "session"),
		slot:    make(chan struct{}, 1),
	}
	m.state = m.load(ctx)
	return m
}

func (m *Manager) load(ctx context.Context) domain.Session {
	token, hasToken, errToken := m.storage.Get(ctx, KeyIdentityToken)
	id, hasID, errID := m.storage.Get(ctx, KeySessionID)
	rawIteration, hasIteration, errIteration := m.storage.Get(ctx, KeyCurrentIteration)
	if err := errors.Join(errToken, errID, errIteration); err != nil {
		m.logger.Warn("failed to read stored session, starting unauthenticated", "error", err)
		return domain.Session{}
	}
	if !hasToken || !hasID || !hasIteration || token == "" || id == "" {
		return domain.Session{}
	}
	n, err := strconv.Atoi(rawIteration)
	if err != nil || n < 0 || n > domain.FinalIteration {
		m.logger.Warn("discarding stored session with invalid iteration", "preference_id", id, "iteration", rawIteration)
		return domain.Session{}
	}
	m.logger.Info("restored session", "preference_id", id, "iteration", n)
	return domain.Session{IdentityToken: token, SessionID: id, CurrentIteration: n}
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.slot
}

func (m *Manager) snapshot() domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the current session.
func (m *Manager) Session() domain.Session {
	return m.snapshot()
}

func (m *Manager) Status() domain.Status {
	s := m.snapshot()
	return domain.Status{
		Authenticated:    s.Authenticated(),
		CurrentIteration: s.CurrentIteration,
		Complete:         s.CurrentIteration >= domain.FinalIteration,
	}
}

// CreateSession authenticates against the remote API and replaces any
// existing session, including one with iterations in progress.
func (m *Manager) CreateSession(ctx context.Context, accessID string, gender domain.Gender) (domain.Session, error) {
	accessID = strings.TrimSpace(accessID)
	if accessID == "" {
		return domain.Session{}, &InvalidArgumentError{Field: "access_id", Reason: "must not be empty"}
	}
	if !gender.Valid() {
		return domain.Session{}, &InvalidArgumentError{Field: "gender", Reason: fmt.Sprintf("%q is not one of women, men", gender)}
	}
	if err := m.acquire(ctx); err != nil {
		return domain.Session{}, err
	}
	defer m.release()

	resp, err := m.api.CreatePreference(ctx, accessID, gender)
	if err != nil {
		status, _ := upstream(err)
		return domain.Session{}, &AuthenticationError{Op: "create session", StatusCode: status, Err: err}
	}
	if resp.AIID == "" || resp.PreferenceID == "" {
		return domain.Session{}, &AuthenticationError{
			Op:  "create session",
			Err: errors.New("response is missing preference_id or ai_id"),
		}
	}

	next := domain.Session{IdentityToken: resp.AIID, SessionID: resp.PreferenceID}
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev.Authenticated() && prev.CurrentIteration > 0 && prev.CurrentIteration < domain.FinalIteration {
		m.logger.Info("replaced in-progress session", "previous_preference_id", prev.SessionID, "previous_iteration", prev.CurrentIteration)
	}
	m.persist(ctx, next)
	m.logger.Info("session created", "preference_id", next.SessionID)
	return next, nil
}

// Advance submits feedback for the current image and fetches the next one.
// Omitted feedback is sent as PlaceholderFeedback, which the server records
// like any other answer.
func (m *Manager) Advance(ctx context.Context, req domain.AdvanceRequest) (domain.IterationResult, error) {
	if err := m.acquire(ctx); err != nil {
		return domain.IterationResult{}, err
	}
	defer m.release()
	return m.advanceLocked(ctx, req)
}

// BootstrapFirstImage fetches the first image of a fresh session by sending
// PlaceholderFeedback for iteration 1.
func (m *Manager) BootstrapFirstImage(ctx context.Context) (domain.IterationResult, error) {
	if err := m.acquire(ctx); err != nil {
		return domain.IterationResult{}, err
	}
	defer m.release()

	if cur := m.snapshot(); cur.Authenticated() && cur.CurrentIteration != 0 {
		return domain.IterationResult{}, &InvalidArgumentError{
			Field:  "current_iteration",
			Reason: fmt.Sprintf("first image already fetched, session is at iteration %d", cur.CurrentIteration),
		}
	}
	return m.advanceLocked(ctx, domain.AdvanceRequest{Feedback: PlaceholderFeedback})
}

func (m *Manager) advanceLocked(ctx context.Context, req domain.AdvanceRequest) (domain.IterationResult, error) {
	cur := m.snapshot()
	if !cur.Authenticated() {
		return domain.IterationResult{}, &AuthenticationError{Op: "advance"}
	}
	if cur.CurrentIteration >= domain.FinalIteration {
		return domain.IterationResult{}, &SequenceCompleteError{Iteration: cur.CurrentIteration}
	}
	if req.Feedback == "" {
		req.Feedback = PlaceholderFeedback
	}
	if !req.Feedback.Valid() {
		return domain.IterationResult{}, &InvalidArgumentError{Field: "feedback", Reason: `must be "like" or "dislike"`}
	}

	target := cur.CurrentIteration + 1
	body := styleapi.IterationRequest{Feedback: req.Feedback}
	if target == domain.FinalIteration {
		if strings.TrimSpace(req.Style) == "" {
			return domain.IterationResult{}, &InvalidArgumentError{Field: "style", Reason: "required on the final iteration"}
		}
		if strings.TrimSpace(req.ImageKey) == "" {
			return domain.IterationResult{}, &InvalidArgumentError{Field: "image_key", Reason: "required on the final iteration"}
		}
		body.Style = req.Style
		body.ImageKey = req.ImageKey
	}

	resp, err := m.api.Iterate(ctx, cur.IdentityToken, cur.SessionID, target, body)
	if err != nil {
		status, msg := upstream(err)
		return domain.IterationResult{}, &IterationAdvanceError{Iteration: target, StatusCode: status, Message: msg, Err: err}
	}
	if resp.Iteration < 1 || resp.Iteration > domain.FinalIteration {
		return domain.IterationResult{}, &IterationAdvanceError{
			Iteration: target,
			Message:   fmt.Sprintf("server reported iteration %d outside 1..%d", resp.Iteration, domain.FinalIteration),
		}
	}
	if resp.Iteration != target {
		m.logger.Warn("server iteration differs from requested, adopting server value",
			"preference_id", cur.SessionID,
			"requested", target,
			"reported", resp.Iteration,
		)
	}
	completed := resp.Iteration == domain.FinalIteration
	if completed != resp.Completed {
		m.logger.Warn("completion flag disagrees with iteration", "iteration", resp.Iteration, "completed", resp.Completed)
	}

	m.mu.Lock()
	m.state.CurrentIteration = resp.Iteration
	m.mu.Unlock()
	m.setKey(ctx, KeyCurrentIteration, strconv.Itoa(resp.Iteration))

	result := domain.IterationResult{
		ImageURL:           resp.ImageURL,
		Iteration:          resp.Iteration,
		RequestedIteration: target,
		Completed:          completed,
		PreferenceID:       cur.SessionID,
	}
	if !completed {
		result.Style = resp.Style
		result.ImageKey = resp.ImageKey
	}
	m.logger.Debug("iteration advanced", "preference_id", cur.SessionID, "iteration", resp.Iteration, "feedback", req.Feedback)
	return result, nil
}

// EndSession forgets the session locally and returns the session it
// cleared. It never contacts the server.
func (m *Manager) EndSession(ctx context.Context) domain.Session {
	m.slot <- struct{}{}
	defer m.release()

	m.mu.Lock()
	prev := m.state
	m.state = domain.Session{}
	m.mu.Unlock()

	if err := m.storage.Delete(ctx, KeyIdentityToken, KeySessionID, KeyCurrentIteration); err != nil {
		m.logger.Warn("failed to clear stored session", "error", err)
	}
	if prev.Authenticated() {
		m.logger.Info("session ended", "preference_id", prev.SessionID, "iteration", prev.CurrentIteration)
	}
	return prev
}

// Profile fetches the preference profile. Fetch failures are not errors:
// an unready or unreadable profile is returned as the empty profile.
func (m *Manager) Profile(ctx context.Context) (domain.Profile, error) {
	cur := m.snapshot()
	if !cur.Authenticated() {
		return domain.Profile{}, &AuthenticationError{Op: "fetch profile"}
	}

	resp, err := m.api.GetProfile(ctx, cur.IdentityToken, cur.SessionID)
	if err != nil {
		status, _ := upstream(err)
		m.softFail(cur, &ProfileFetchError{StatusCode: status, Err: err})
		return domain.EmptyProfile(), nil
	}
	topStyles, err := normalizeTopStyles(resp.TopStyles)
	if err != nil {
		m.softFail(cur, &ProfileFetchError{Err: err})
		return domain.EmptyProfile(), nil
	}
	history := resp.SelectionHistory
	if history == nil {
		history = []domain.SelectionRecord{}
	}
	return domain.Profile{TopStyles: topStyles, SelectionHistory: history}, nil
}

func (m *Manager) softFail(cur domain.Session, err *ProfileFetchError) {
	m.logger.Warn("profile unavailable, returning empty profile",
		"preference_id", cur.SessionID,
		"iteration", cur.CurrentIteration,
		"error", err,
	)
}

// SaveProfile asks the server to persist the current profile and returns
// its confirmation message.
func (m *Manager) SaveProfile(ctx context.Context) (string, error) {
	cur := m.snapshot()
	if !cur.Authenticated() {
		return "", &AuthenticationError{Op: "save profile"}
	}
	resp, err := m.api.SaveProfile(ctx, cur.IdentityToken, cur.SessionID)
	if err != nil {
		status, msg := upstream(err)
		return "", &RequestError{Op: "save profile", StatusCode: status, Message: msg, Err: err}
	}
	if resp.Message == "" {
		return "Profile saved successfully", nil
	}
	return resp.Message, nil
}

func (m *Manager) persist(ctx context.Context, s domain.Session) {
	err := m.storage.SetAll(ctx, map[string]string{
		KeyIdentityToken:    s.IdentityToken,
		KeySessionID:        s.SessionID,
		KeyCurrentIteration: strconv.Itoa(s.CurrentIteration),
	})
	if err != nil {
		m.logger.Warn("failed to persist session", "preference_id", s.SessionID, "error", err)
	}
}

func (m *Manager) setKey(ctx context.Context, key, value string) {
	if err := m.storage.Set(ctx, key, value); err != nil {
		m.logger.Warn("failed to persist session state", "key", key, "error", err)
	}
}
