// Package slack is the Slack chat adapter. Inbound traffic arrives over
// the Events API: an HTTP handler (mounted on the control-plane router)
// verifies the request signature, answers URL-verification challenges,
// and dispatches app mentions and direct messages. Outbound messages
// post to the user's DM conversation.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"go.uber.org/zap"

	"github.com/fetchcore/fetch/internal/logger"
	"github.com/fetchcore/fetch/transport"
)

// maxMessageLen keeps posts under Slack's 4000-character text ceiling.
const maxMessageLen = 4000

// Options configures the adapter. AllowedUsers empty admits everyone;
// the router still applies its own authorization.
type Options struct {
	BotToken      string
	SigningSecret string
	AllowedUsers  []string
	Log           *logger.Logger
}

// Transport is the Slack surface.
type Transport struct {
	api     *slack.Client
	secret  string
	allowed map[string]bool
	log     *logger.Logger

	// post is the outbound seam; swapped in tests.
	post func(channel, text string) error

	mu      sync.Mutex
	handler transport.Handler
	ctx     context.Context
	botID   string
	dms     map[string]string
}

// New builds the adapter; the API client is not exercised until Start.
func New(opts Options) (*Transport, error) {
	if opts.BotToken == "" {
		return nil, errors.New("slack: bot token required")
	}
	if opts.SigningSecret == "" {
		return nil, errors.New("slack: signing secret required")
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	allowed := make(map[string]bool, len(opts.AllowedUsers))
	for _, u := range opts.AllowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowed[u] = true
		}
	}
	t := &Transport{
		api:     slack.New(opts.BotToken),
		secret:  opts.SigningSecret,
		allowed: allowed,
		log:     opts.Log.Named("slack"),
		dms:     make(map[string]string),
	}
	t.post = func(channel, text string) error {
		_, _, err := t.api.PostMessage(channel, slack.MsgOptionText(text, false))
		return err
	}
	return t, nil
}

func (t *Transport) Name() string { return "slack" }

// Start resolves the bot identity and parks until ctx is cancelled.
// Event delivery happens through HTTPHandler, which Start arms.
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	auth, err := t.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	t.mu.Lock()
	t.handler = h
	t.ctx = ctx
	t.botID = auth.UserID
	t.mu.Unlock()
	t.log.Info("connected", zap.String("bot", auth.User))

	<-ctx.Done()
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()
	return nil
}

// Send posts to the user's DM conversation, opening it on first use.
func (t *Transport) Send(userID, text string) error {
	channel, err := t.dmChannel(userID)
	if err != nil {
		return err
	}
	for _, chunk := range transport.Split(text, maxMessageLen) {
		if err := t.post(channel, chunk); err != nil {
			return fmt.Errorf("slack: post: %w", err)
		}
	}
	return nil
}

func (t *Transport) Close() error { return nil }

func (t *Transport) dmChannel(userID string) (string, error) {
	t.mu.Lock()
	if ch, ok := t.dms[userID]; ok {
		t.mu.Unlock()
		return ch, nil
	}
	t.mu.Unlock()

	ch, _, _, err := t.api.OpenConversation(&slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return "", fmt.Errorf("slack: open dm with %s: %w", userID, err)
	}
	t.mu.Lock()
	t.dms[userID] = ch.ID
	t.mu.Unlock()
	return ch.ID, nil
}

// HTTPHandler returns the Events-API endpoint for the control-plane
// router to mount.
func (t *Transport) HTTPHandler() http.Handler {
	return http.HandlerFunc(t.serveEvents)
}

func (t *Transport) serveEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	sv, err := slack.NewSecretsVerifier(r.Header, t.secret)
	if err != nil {
		http.Error(w, "missing signature headers", http.StatusBadRequest)
		return
	}
	if _, err := sv.Write(body); err != nil {
		http.Error(w, "verifier failure", http.StatusInternalServerError)
		return
	}
	if err := sv.Ensure(); err != nil {
		t.log.Warn("rejected request with bad signature")
		http.Error(w, "bad signature", http.StatusUnauthorized)
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "unparseable event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var cr slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &cr); err != nil {
			http.Error(w, "bad challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, cr.Challenge)
	case slackevents.CallbackEvent:
		// Slack demands an ack within 3 seconds; route asynchronously.
		w.WriteHeader(http.StatusOK)
		go t.dispatch(event.InnerEvent)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (t *Transport) dispatch(inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		t.deliver(ev.User, ev.Channel, stripMention(ev.Text))
	case *slackevents.MessageEvent:
		// DMs only. Skip bot echoes and edits.
		if ev.ChannelType != "im" || ev.BotID != "" || ev.SubType != "" {
			return
		}
		t.mu.Lock()
		self := t.botID
		t.mu.Unlock()
		if ev.User == "" || ev.User == self {
			return
		}
		t.deliver(ev.User, ev.Channel, ev.Text)
	}
}

func (t *Transport) deliver(userID, channel, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if len(t.allowed) > 0 && !t.allowed[userID] {
		t.log.Warn("dropping message from unknown user", zap.String("user", userID))
		return
	}
	t.mu.Lock()
	h, ctx := t.handler, t.ctx
	t.mu.Unlock()
	if h == nil {
		t.log.Warn("event before start; dropping")
		return
	}
	for _, line := range h(ctx, userID, text) {
		for _, chunk := range transport.Split(line, maxMessageLen) {
			if err := t.post(channel, chunk); err != nil {
				t.log.Warn("reply not delivered", zap.Error(err))
			}
		}
	}
}

// stripMention removes the leading <@U…> token from an app mention.
func stripMention(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "<@") {
		if idx := strings.Index(text, ">"); idx >= 0 {
			text = text[idx+1:]
		}
	}
	return strings.TrimSpace(text)
}
