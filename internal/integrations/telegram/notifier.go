// Package telegram sends short operator notices through the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"stylebench/internal/domain"
)

const defaultAPIBase = "https://api.telegram.org"

type Notifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		apiBase:  defaultAPIBase,
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithAPIBase points the notifier at a different Bot API host.
func (n *Notifier) WithAPIBase(base string) *Notifier {
	n.apiBase = strings.TrimRight(base, "/")
	return n
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.botToken != "" && n.chatID != ""
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	if !n.Enabled() || text == "" {
		return nil
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)

	body := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}
	return nil
}

// CompletionMessage renders the notice sent when a preference sequence
// reaches its final iteration.
func CompletionMessage(preferenceID string, profile domain.Profile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Style sequence %s completed after %d iterations.", preferenceID, domain.FinalIteration)
	if len(profile.TopStyles) == 0 {
		return b.String()
	}
	names := make([]string, 0, len(profile.TopStyles))
	for name := range profile.TopStyles {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		si, sj := profile.TopStyles[names[i]], profile.TopStyles[names[j]]
		if si != sj {
			return si > sj
		}
		return names[i] < names[j]
	})
	if len(names) > 3 {
		names = names[:3]
	}
	b.WriteString("\nTop styles:")
	for _, name := range names {
		fmt.Fprintf(&b, "\n- %s (%.2f)", name, profile.TopStyles[name])
	}
	return b.String()
}
