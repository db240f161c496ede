package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stylebench/internal/domain"
	"stylebench/internal/store/memory"
	"stylebench/internal/styleapi"
	"stylebench/internal/styleapi/styleapitest"
)

func newTestManager(t *testing.T, fake *styleapitest.Server, st Storage) *Manager {
	t.Helper()
	return NewManager(context.Background(), styleapi.NewClient(fake.URL, 2*time.Second), st, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

// managerAt returns a manager restored from storage at iteration n of a
// freshly created remote session.
func managerAt(t *testing.T, fake *styleapitest.Server, n int) (*Manager, *memory.Store) {
	t.Helper()
	st := memory.NewStore()
	m := newTestManager(t, fake, st)
	sess, err := m.CreateSession(context.Background(), "user1", domain.GenderWomen)
	require.NoError(t, err)
	fake.SetIteration(sess.SessionID, n)
	require.NoError(t, st.Set(context.Background(), KeyCurrentIteration, strconv.Itoa(n)))
	return newTestManager(t, fake, st), st
}

func TestCreateSessionAuthenticates(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	st := memory.NewStore()
	m := newTestManager(t, fake, st)

	assert.Equal(t, domain.Status{}, m.Status())

	sess, err := m.CreateSession(context.Background(), "user1", domain.GenderWomen)
	require.NoError(t, err)
	assert.Equal(t, "p1", sess.SessionID)
	assert.Equal(t, "a1", sess.IdentityToken)
	assert.Equal(t, domain.Status{Authenticated: true, CurrentIteration: 0, Complete: false}, m.Status())

	ctx := context.Background()
	for key, want := range map[string]string{KeyIdentityToken: "a1", KeySessionID: "p1", KeyCurrentIteration: "0"} {
		got, ok, err := st.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
}

func TestCreateSessionValidatesLocally(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m := newTestManager(t, fake, memory.NewStore())

	_, err := m.CreateSession(context.Background(), "  ", domain.GenderWomen)
	var invalid *InvalidArgumentError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "access_id", invalid.Field)

	_, err = m.CreateSession(context.Background(), "user1", domain.Gender("other"))
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "gender", invalid.Field)

	assert.Zero(t, fake.Calls(styleapitest.RouteCreate))
}

func TestCreateSessionFailureKeepsPreviousSession(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, st := managerAt(t, fake, 5)

	fake.Fail(styleapitest.RouteCreate, http.StatusUnauthorized, "Invalid access id")
	_, err := m.CreateSession(context.Background(), "user2", domain.GenderMen)

	var authErr *AuthenticationError
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Equal(t, domain.Status{Authenticated: true, CurrentIteration: 5}, m.Status())
	assert.Equal(t, "p1", m.Session().SessionID)

	id, _, _ := st.Get(context.Background(), KeySessionID)
	assert.Equal(t, "p1", id)
}

func TestCreateSessionOverwritesInProgressSession(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 12)

	sess, err := m.CreateSession(context.Background(), "user1", domain.GenderMen)
	require.NoError(t, err)
	assert.Equal(t, "p2", sess.SessionID)
	assert.Equal(t, domain.Status{Authenticated: true}, m.Status())
}

func TestBootstrapFirstImage(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m := newTestManager(t, fake, memory.NewStore())
	_, err := m.CreateSession(context.Background(), "user1", domain.GenderWomen)
	require.NoError(t, err)

	result, err := m.BootstrapFirstImage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Iteration)
	assert.Equal(t, 1, result.RequestedIteration)
	assert.False(t, result.Completed)
	require.NotNil(t, result.ImageURL)
	assert.Equal(t, 1, m.Status().CurrentIteration)

	reqs := fake.Requests(styleapitest.RouteIterate)
	require.Len(t, reqs, 1)
	assert.Equal(t, string(PlaceholderFeedback), reqs[0].Body["feedback"])

	_, err = m.BootstrapFirstImage(context.Background())
	var invalid *InvalidArgumentError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 1, fake.Calls(styleapitest.RouteIterate))
}

func TestAdvanceAlwaysTargetsNextIteration(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m := newTestManager(t, fake, memory.NewStore())
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "user1", domain.GenderWomen)
	require.NoError(t, err)

	last, err := m.BootstrapFirstImage(ctx)
	require.NoError(t, err)
	for k := 1; k < domain.FinalIteration; k++ {
		require.Equal(t, k, m.Status().CurrentIteration)
		feedback := domain.FeedbackLike
		if k%3 == 0 {
			feedback = domain.FeedbackDislike
		}
		last, err = m.Advance(ctx, domain.AdvanceRequest{Feedback: feedback, Style: last.Style, ImageKey: last.ImageKey})
		require.NoError(t, err, "advance from %d", k)
		assert.Equal(t, k+1, last.Iteration)
	}

	reqs := fake.Requests(styleapitest.RouteIterate)
	require.Len(t, reqs, domain.FinalIteration)
	for i, r := range reqs {
		assert.Equal(t, i+1, r.Iteration)
	}
	assert.True(t, last.Completed)
	assert.Equal(t, domain.Status{Authenticated: true, CurrentIteration: 30, Complete: true}, m.Status())
}

func TestAdvanceWithoutFeedbackSendsPlaceholder(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 0)

	result, err := m.Advance(context.Background(), domain.AdvanceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Iteration)
	assert.Equal(t, domain.Status{Authenticated: true, CurrentIteration: 1}, m.Status())

	reqs := fake.Requests(styleapitest.RouteIterate)
	require.Len(t, reqs, 1)
	assert.Equal(t, 1, reqs[0].Iteration)
	assert.Equal(t, string(PlaceholderFeedback), reqs[0].Body["feedback"])
}

func TestAdvanceRejectsUnknownFeedback(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 3)

	_, err := m.Advance(context.Background(), domain.AdvanceRequest{Feedback: "meh"})
	var invalid *InvalidArgumentError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "feedback", invalid.Field)
	assert.Zero(t, fake.Calls(styleapitest.RouteIterate))
	assert.Equal(t, 3, m.Status().CurrentIteration)
}

func TestFinalIterationRequiresStyleAndImageKey(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 29)

	cases := []domain.AdvanceRequest{
		{Feedback: domain.FeedbackLike},
		{Feedback: domain.FeedbackLike, Style: "casual"},
		{Feedback: domain.FeedbackLike, ImageKey: "img123.jpg"},
	}
	for _, req := range cases {
		_, err := m.Advance(context.Background(), req)
		var invalid *InvalidArgumentError
		require.True(t, errors.As(err, &invalid), "%+v", req)
	}
	assert.Zero(t, fake.Calls(styleapitest.RouteIterate))
	assert.Equal(t, 29, m.Status().CurrentIteration)
}

func TestFinalIterationCompletesWithNullImage(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, st := managerAt(t, fake, 29)

	result, err := m.Advance(context.Background(), domain.AdvanceRequest{
		Feedback: domain.FeedbackLike,
		Style:    "casual",
		ImageKey: "img123.jpg",
	})
	require.NoError(t, err)
	assert.Nil(t, result.ImageURL)
	assert.True(t, result.Completed)
	assert.Equal(t, 30, result.Iteration)

	reqs := fake.Requests(styleapitest.RouteIterate)
	require.Len(t, reqs, 1)
	assert.Equal(t, 30, reqs[0].Iteration)
	assert.Equal(t, "casual", reqs[0].Body["style"])
	assert.Equal(t, "img123.jpg", reqs[0].Body["image_key"])

	stored, _, _ := st.Get(context.Background(), KeyCurrentIteration)
	assert.Equal(t, "30", stored)
}

func TestAdvanceAfterCompletionFails(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 30)

	_, err := m.Advance(context.Background(), domain.AdvanceRequest{Feedback: domain.FeedbackLike, Style: "x", ImageKey: "y"})
	var done *SequenceCompleteError
	require.True(t, errors.As(err, &done))
	assert.Equal(t, 30, done.Iteration)
	assert.Zero(t, fake.Calls(styleapitest.RouteIterate))
}

func TestAdvanceServerRejectionLeavesStateUnchanged(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, st := managerAt(t, fake, 4)

	fake.Fail(styleapitest.RouteIterate, http.StatusBadRequest, "Invalid parameters")
	_, err := m.Advance(context.Background(), domain.AdvanceRequest{Feedback: domain.FeedbackLike})

	var advErr *IterationAdvanceError
	require.True(t, errors.As(err, &advErr))
	assert.Equal(t, http.StatusBadRequest, advErr.StatusCode)
	assert.Equal(t, "Invalid parameters", advErr.Message)
	assert.Equal(t, 5, advErr.Iteration)
	assert.Equal(t, 4, m.Status().CurrentIteration)
	stored, _, _ := st.Get(context.Background(), KeyCurrentIteration)
	assert.Equal(t, "4", stored)

	fake.Recover(styleapitest.RouteIterate)
	result, err := m.Advance(context.Background(), domain.AdvanceRequest{Feedback: domain.FeedbackLike})
	require.NoError(t, err)
	assert.Equal(t, 5, result.Iteration)

	reqs := fake.Requests(styleapitest.RouteIterate)
	require.Len(t, reqs, 2)
	assert.Equal(t, 5, reqs[0].Iteration)
	assert.Equal(t, 5, reqs[1].Iteration)
}

func TestAdvanceTransportFailureHasNoStatus(t *testing.T) {
	fake := styleapitest.NewServer()
	m, _ := managerAt(t, fake, 3)
	fake.Close()

	_, err := m.Advance(context.Background(), domain.AdvanceRequest{Feedback: domain.FeedbackDislike})
	var advErr *IterationAdvanceError
	require.True(t, errors.As(err, &advErr))
	assert.Zero(t, advErr.StatusCode)
	assert.Equal(t, 4, advErr.Iteration)
	assert.Equal(t, 3, m.Status().CurrentIteration)
}

func TestAdvanceAdoptsServerIteration(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 6)

	fake.SkewIterations(2)
	result, err := m.Advance(context.Background(), domain.AdvanceRequest{Feedback: domain.FeedbackLike})
	require.NoError(t, err)
	assert.Equal(t, 7, result.RequestedIteration)
	assert.Equal(t, 9, result.Iteration)
	assert.Equal(t, 9, m.Status().CurrentIteration)

	fake.SkewIterations(0)
	_, err = m.Advance(context.Background(), domain.AdvanceRequest{Feedback: domain.FeedbackLike})
	require.NoError(t, err)
	reqs := fake.Requests(styleapitest.RouteIterate)
	require.Len(t, reqs, 2)
	assert.Equal(t, 10, reqs[1].Iteration)
}

type stubAPI struct {
	API
	iterate func(n int) (styleapi.IterationResponse, error)
}

func (s stubAPI) Iterate(_ context.Context, _, _ string, n int, _ styleapi.IterationRequest) (styleapi.IterationResponse, error) {
	return s.iterate(n)
}

func TestAdvanceRejectsOutOfRangeServerIteration(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, st.SetAll(ctx, map[string]string{KeyIdentityToken: "a1", KeySessionID: "p1", KeyCurrentIteration: "28"}))
	api := stubAPI{iterate: func(n int) (styleapi.IterationResponse, error) {
		return styleapi.IterationResponse{Iteration: 31, Completed: true}, nil
	}}
	m := NewManager(ctx, api, st, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	_, err := m.Advance(ctx, domain.AdvanceRequest{Feedback: domain.FeedbackLike})
	var advErr *IterationAdvanceError
	require.True(t, errors.As(err, &advErr))
	assert.Equal(t, 29, advErr.Iteration)
	assert.Equal(t, 28, m.Status().CurrentIteration)
}

func TestEndSession(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, st := managerAt(t, fake, 7)
	ctx := context.Background()

	prev := m.EndSession(ctx)
	assert.Equal(t, "p1", prev.SessionID)
	assert.Equal(t, 7, prev.CurrentIteration)
	assert.Equal(t, domain.Status{}, m.Status())
	for _, key := range []string{KeyIdentityToken, KeySessionID, KeyCurrentIteration} {
		_, ok, err := st.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}

	var authErr *AuthenticationError
	_, err := m.Advance(ctx, domain.AdvanceRequest{Feedback: domain.FeedbackLike})
	require.True(t, errors.As(err, &authErr))
	_, err = m.BootstrapFirstImage(ctx)
	require.True(t, errors.As(err, &authErr))
	_, err = m.Profile(ctx)
	require.True(t, errors.As(err, &authErr))
	_, err = m.SaveProfile(ctx)
	require.True(t, errors.As(err, &authErr))
	assert.Zero(t, fake.Calls(styleapitest.RouteIterate))

	// A second call is harmless.
	assert.False(t, m.EndSession(ctx).Authenticated())
	assert.False(t, m.Status().Authenticated)
}

func TestAdvanceResultNamesItsSession(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 4)
	ctx := context.Background()

	result, err := m.Advance(ctx, domain.AdvanceRequest{Feedback: domain.FeedbackLike})
	require.NoError(t, err)
	assert.Equal(t, "p1", result.PreferenceID)

	// A session replaced after the call does not change what the result names.
	next, err := m.CreateSession(ctx, "user2", domain.GenderMen)
	require.NoError(t, err)
	require.NotEqual(t, result.PreferenceID, next.SessionID)
	assert.Equal(t, "p1", result.PreferenceID)

	first, err := m.BootstrapFirstImage(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.SessionID, first.PreferenceID)
}

func TestStatusIsIdempotent(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 11)

	first := m.Status()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, m.Status())
	}
	assert.Zero(t, fake.Calls(styleapitest.RouteIterate))
}

func TestRestoreFromStorage(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		values map[string]string
		want   domain.Status
	}{
		{"empty", nil, domain.Status{}},
		{"complete", map[string]string{KeyIdentityToken: "a", KeySessionID: "p", KeyCurrentIteration: "30"}, domain.Status{Authenticated: true, CurrentIteration: 30, Complete: true}},
		{"missing iteration", map[string]string{KeyIdentityToken: "a", KeySessionID: "p"}, domain.Status{}},
		{"missing token", map[string]string{KeySessionID: "p", KeyCurrentIteration: "3"}, domain.Status{}},
		{"garbage iteration", map[string]string{KeyIdentityToken: "a", KeySessionID: "p", KeyCurrentIteration: "x"}, domain.Status{}},
		{"iteration too large", map[string]string{KeyIdentityToken: "a", KeySessionID: "p", KeyCurrentIteration: "31"}, domain.Status{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := memory.NewStore()
			if tc.values != nil {
				require.NoError(t, st.SetAll(ctx, tc.values))
			}
			m := NewManager(ctx, stubAPI{}, st, nil)
			assert.Equal(t, tc.want, m.Status())
		})
	}
}

func TestConcurrentAdvancesAreSerialised(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 3)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fake.OnIterate(func(n int) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	ctx := context.Background()
	results := make(chan int, 2)
	errs := make(chan error, 2)
	advance := func() {
		r, err := m.Advance(ctx, domain.AdvanceRequest{Feedback: domain.FeedbackLike})
		errs <- err
		results <- r.Iteration
	}

	go advance()
	<-entered
	go advance()

	// The second call must not reach the server while the first is in flight.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fake.Calls(styleapitest.RouteIterate))
	assert.Equal(t, 3, m.Status().CurrentIteration)

	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	got := map[int]bool{<-results: true, <-results: true}
	assert.Equal(t, map[int]bool{4: true, 5: true}, got)

	reqs := fake.Requests(styleapitest.RouteIterate)
	require.Len(t, reqs, 2)
	assert.Equal(t, 4, reqs[0].Iteration)
	assert.Equal(t, 5, reqs[1].Iteration)
	assert.Equal(t, 5, m.Status().CurrentIteration)
}

func TestQueuedAdvanceHonoursContext(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 0)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fake.OnIterate(func(int) {
		once.Do(func() {
			close(entered)
			<-release
		})
	})

	done := make(chan error, 1)
	go func() {
		_, err := m.BootstrapFirstImage(context.Background())
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Advance(ctx, domain.AdvanceRequest{Feedback: domain.FeedbackLike})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, fake.Calls(styleapitest.RouteIterate))
	assert.Equal(t, 1, m.Status().CurrentIteration)
}

func TestProfileNotReadyIsEmpty(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	var logs bytes.Buffer
	st := memory.NewStore()
	m := NewManager(context.Background(), styleapi.NewClient(fake.URL, time.Second), st, slog.New(slog.NewTextHandler(&logs, nil)))
	_, err := m.CreateSession(context.Background(), "user1", domain.GenderWomen)
	require.NoError(t, err)

	profile, err := m.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.EmptyProfile(), profile)
	assert.Contains(t, logs.String(), "profile unavailable")
	assert.Contains(t, logs.String(), "status 400")
}

func TestProfileAfterFeedback(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m := newTestManager(t, fake, memory.NewStore())
	ctx := context.Background()
	_, err := m.CreateSession(ctx, "user1", domain.GenderWomen)
	require.NoError(t, err)
	first, err := m.BootstrapFirstImage(ctx)
	require.NoError(t, err)
	_, err = m.Advance(ctx, domain.AdvanceRequest{Feedback: domain.FeedbackLike})
	require.NoError(t, err)

	profile, err := m.Profile(ctx)
	require.NoError(t, err)
	require.Len(t, profile.SelectionHistory, 1)
	assert.Equal(t, first.Style, profile.SelectionHistory[0].Style)
	assert.Equal(t, "like", profile.SelectionHistory[0].Feedback)
	assert.Equal(t, 1.0, profile.TopStyles[first.Style])
}

func TestProfileUnrecognisedShapeIsEmpty(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	fake.SetTopStyles(`"Classic"`)
	m, _ := managerAt(t, fake, 2)

	profile, err := m.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.EmptyProfile(), profile)
}

func TestSaveProfile(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m, _ := managerAt(t, fake, 30)

	msg, err := m.SaveProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Profile saved successfully", msg)

	fake.Fail(styleapitest.RouteSaveProfile, http.StatusNotFound, "Resource not found")
	_, err = m.SaveProfile(context.Background())
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Equal(t, "Resource not found", reqErr.Message)
}

type failingStorage struct {
	*memory.Store
}

func (failingStorage) Set(context.Context, string, string) error {
	return errors.New("disk full")
}

func (failingStorage) SetAll(context.Context, map[string]string) error {
	return errors.New("disk full")
}

func TestStorageFailuresAreNotFatal(t *testing.T) {
	fake := styleapitest.NewServer()
	defer fake.Close()
	m := newTestManager(t, fake, failingStorage{memory.NewStore()})
	ctx := context.Background()

	_, err := m.CreateSession(ctx, "user1", domain.GenderWomen)
	require.NoError(t, err)
	_, err = m.BootstrapFirstImage(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Status{Authenticated: true, CurrentIteration: 1}, m.Status())
}
