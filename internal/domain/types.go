package domain

import "time"

// FinalIteration is the last step of a feedback sequence.
const FinalIteration = 30

type Gender string

const (
	GenderWomen Gender = "women"
	GenderMen   Gender = "men"
)

func (g Gender) Valid() bool {
	return g == GenderWomen || g == GenderMen
}

type Feedback string

const (
	FeedbackLike    Feedback = "like"
	FeedbackDislike Feedback = "dislike"
)

func (f Feedback) Valid() bool {
	return f == FeedbackLike || f == FeedbackDislike
}

type EventType string

const (
	EventSessionCreated    EventType = "SessionCreated"
	EventIterationAdvanced EventType = "IterationAdvanced"
	EventSequenceCompleted EventType = "SequenceCompleted"
	EventSessionEnded      EventType = "SessionEnded"
	EventProfileSaved      EventType = "ProfileSaved"
)

// Session is the client's view of one remote feedback sequence.
// IdentityToken and SessionID are either both set or both empty.
type Session struct {
	IdentityToken    string `json:"-"`
	SessionID        string `json:"preference_id"`
	CurrentIteration int    `json:"current_iteration"`
}

func (s Session) Authenticated() bool {
	return s.IdentityToken != "" && s.SessionID != ""
}

type Status struct {
	Authenticated    bool `json:"authenticated"`
	CurrentIteration int  `json:"current_iteration"`
	Complete         bool `json:"complete"`
}

type AdvanceRequest struct {
	Feedback Feedback `json:"feedback"`
	Style    string   `json:"style,omitempty"`
	ImageKey string   `json:"image_key,omitempty"`
}

type IterationResult struct {
	ImageURL           *string `json:"image_url"`
	Iteration          int     `json:"iteration"`
	RequestedIteration int     `json:"requested_iteration"`
	Completed          bool    `json:"completed"`
	Style              string  `json:"style,omitempty"`
	ImageKey           string  `json:"image_key,omitempty"`
	PreferenceID       string  `json:"preference_id"`
}

type SelectionRecord struct {
	Image        string  `json:"image"`
	Style        string  `json:"style"`
	Feedback     string  `json:"feedback"`
	ScoreChange  float64 `json:"score_change"`
	CurrentScore float64 `json:"current_score"`
	Timestamp    string  `json:"timestamp"`
}

// Profile is a read-only snapshot of the server-side preference profile.
type Profile struct {
	TopStyles        map[string]float64 `json:"top_styles"`
	SelectionHistory []SelectionRecord  `json:"selection_history"`
}

func EmptyProfile() Profile {
	return Profile{
		TopStyles:        map[string]float64{},
		SelectionHistory: []SelectionRecord{},
	}
}

type Event struct {
	ID        string                 `json:"event_id"`
	SessionID string                 `json:"preference_id,omitempty"`
	Type      EventType              `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
