package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"stylebench/internal/domain"
	"stylebench/internal/logging"
	"stylebench/internal/session"
	storepkg "stylebench/internal/store"
	"stylebench/internal/store/sqlite"
	"stylebench/internal/styleapi"
)

// Keys stylectl keeps next to the session so the final answer can echo the
// last image back to the server.
const (
	keyLastStyle    = "stylectl_last_style"
	keyLastImageKey = "stylectl_last_image_key"
)

type app struct {
	opts options
}

type env struct {
	store   storepkg.Store
	api     *styleapi.Client
	manager *session.Manager
	logger  *slog.Logger
}

func (a *app) client() *styleapi.Client {
	// The command timeout bounds each call.
	return styleapi.NewClient(a.opts.apiURL, 0)
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if a.opts.timeout > 0 {
		return context.WithTimeout(ctx, a.opts.timeout)
	}
	return context.WithCancel(ctx)
}

// withSession opens the local store, restores the session and runs fn.
func (a *app) withSession(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	ctx, cancel := a.context(cmd)
	defer cancel()

	db, err := sqlite.NewStore(a.opts.dbPath)
	if err != nil {
		return err
	}
	st, err := storepkg.SealWithKey(db, a.opts.encryptionKey, session.KeyIdentityToken)
	if err != nil {
		return err
	}
	defer st.Close()

	logger := logging.New(a.opts.logLevel, "text", cmd.ErrOrStderr())
	api := a.client()
	e := &env{
		store:   st,
		api:     api,
		manager: session.NewManager(ctx, api, st, logger),
		logger:  logger,
	}
	return hint(fn(ctx, e))
}

func (e *env) lastImage(ctx context.Context) (style, imageKey string) {
	style, _, err := e.store.Get(ctx, keyLastStyle)
	if err != nil {
		e.logger.Warn("failed to read last style", "error", err)
	}
	imageKey, _, err = e.store.Get(ctx, keyLastImageKey)
	if err != nil {
		e.logger.Warn("failed to read last image key", "error", err)
	}
	return style, imageKey
}

func (e *env) rememberImage(ctx context.Context, style, imageKey string) {
	if style == "" && imageKey == "" {
		e.forgetImage(ctx)
		return
	}
	err := e.store.SetAll(ctx, map[string]string{
		keyLastStyle:    style,
		keyLastImageKey: imageKey,
	})
	if err != nil {
		e.logger.Warn("failed to remember current image", "error", err)
	}
}

func (e *env) forgetImage(ctx context.Context) {
	if err := e.store.Delete(ctx, keyLastStyle, keyLastImageKey); err != nil {
		e.logger.Warn("failed to clear current image", "error", err)
	}
}

// record appends to the local event log. Failures only warn.
func (e *env) record(ctx context.Context, eventType domain.EventType, preferenceID string, payload map[string]interface{}) {
	if _, err := e.store.AppendEvent(ctx, eventType, preferenceID, payload); err != nil {
		e.logger.Warn("failed to record event", "event_type", eventType, "error", err)
	}
}
