// Package profile derives the preference chart shown to operators from a
// profile snapshot.
package profile

import (
	"math"
	"sort"

	"stylebench/internal/domain"
)

type Entry struct {
	Style string  `json:"style"`
	Score float64 `json:"score"`
}

type Summary struct {
	TopStyle   string  `json:"top_style,omitempty"`
	TopScore   float64 `json:"top_score"`
	Likes      int     `json:"likes"`
	Dislikes   int     `json:"dislikes"`
	Selections int     `json:"selections"`
}

// Rank orders styles by score, highest first, with ties broken by name.
// Scores are rounded to two decimals.
func Rank(p domain.Profile) []Entry {
	out := make([]Entry, 0, len(p.TopStyles))
	for style, score := range p.TopStyles {
		out = append(out, Entry{Style: style, Score: round2(score)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Style < out[j].Style
	})
	return out
}

func Summarize(p domain.Profile) Summary {
	var s Summary
	if ranked := Rank(p); len(ranked) > 0 {
		s.TopStyle = ranked[0].Style
		s.TopScore = ranked[0].Score
	}
	for _, rec := range p.SelectionHistory {
		switch domain.Feedback(rec.Feedback) {
		case domain.FeedbackLike:
			s.Likes++
		case domain.FeedbackDislike:
			s.Dislikes++
		}
	}
	s.Selections = len(p.SelectionHistory)
	return s
}

func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r == 0 {
		return 0
	}
	return r
}
