package slack

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fetchcore/fetch/internal/logger"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

type postLog struct {
	mu    sync.Mutex
	lines []string
}

func (p *postLog) post(channel, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, channel+": "+text)
	return nil
}

func (p *postLog) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.lines...)
}

type inbox struct {
	mu    sync.Mutex
	pairs []string
}

func (i *inbox) handler(_ context.Context, userID, text string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pairs = append(i.pairs, userID+"|"+text)
	return []string{"🟢 ok"}
}

func (i *inbox) all() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.pairs...)
}

func newTestTransport(t *testing.T, allowed ...string) (*Transport, *inbox, *postLog) {
	t.Helper()
	tr, err := New(Options{
		BotToken:      "xoxb-test",
		SigningSecret: testSecret,
		AllowedUsers:  allowed,
		Log:           logger.Nop(),
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	in := &inbox{}
	out := &postLog{}
	tr.post = out.post
	tr.mu.Lock()
	tr.handler = in.handler
	tr.ctx = context.Background()
	tr.botID = "UBOT"
	tr.mu.Unlock()
	return tr, in, out
}

// signedRequest builds an Events-API POST with a valid v0 signature.
func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	req := httptest.NewRequest(http.MethodPost, "/slack/events", bytes.NewBufferString(body))
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func post(tr *Transport, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	tr.HTTPHandler().ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, probe func() []string, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, l := range probe() {
			if strings.Contains(l, substr) {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no entry containing %q; got %v", substr, probe())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestURLVerificationEchoesChallenge(t *testing.T) {
	tr, _, _ := newTestTransport(t)
	body := `{"type":"url_verification","challenge":"abc123xyz"}`

	rec := post(tr, signedRequest(t, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got, _ := io.ReadAll(rec.Body)
	if string(got) != "abc123xyz" {
		t.Fatalf("challenge echo = %q", got)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	tr, in, _ := newTestTransport(t)
	body := `{"type":"url_verification","challenge":"abc"}`

	req := signedRequest(t, body)
	req.Header.Set("X-Slack-Signature", "v0=deadbeef")
	rec := post(tr, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(in.all()) != 0 {
		t.Fatalf("handler reached despite bad signature")
	}
}

func TestAppMentionRoutesAndReplies(t *testing.T) {
	tr, in, out := newTestTransport(t)
	body := `{"type":"event_callback","event":{"type":"app_mention","user":"U1","channel":"C1","text":"<@UBOT> run status"}}`

	rec := post(tr, signedRequest(t, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	waitFor(t, in.all, "U1|run status")
	waitFor(t, out.all, "C1: 🟢 ok")
}

func TestDirectMessagesRouteOnlyFromHumansInIM(t *testing.T) {
	tr, in, _ := newTestTransport(t)

	dm := `{"type":"event_callback","event":{"type":"message","channel_type":"im","user":"U2","channel":"D1","text":"hello"}}`
	post(tr, signedRequest(t, dm))
	waitFor(t, in.all, "U2|hello")

	channelMsg := `{"type":"event_callback","event":{"type":"message","channel_type":"channel","user":"U2","channel":"C9","text":"ambient chatter"}}`
	post(tr, signedRequest(t, channelMsg))

	echo := `{"type":"event_callback","event":{"type":"message","channel_type":"im","user":"UBOT","channel":"D1","text":"🟢 ok"}}`
	post(tr, signedRequest(t, echo))

	time.Sleep(50 * time.Millisecond)
	if got := in.all(); len(got) != 1 {
		t.Fatalf("handler saw %v, want only the DM", got)
	}
}

func TestAllowedUsersFilter(t *testing.T) {
	tr, in, _ := newTestTransport(t, "U1")

	dm := `{"type":"event_callback","event":{"type":"message","channel_type":"im","user":"U9","channel":"D2","text":"let me in"}}`
	post(tr, signedRequest(t, dm))

	time.Sleep(50 * time.Millisecond)
	if got := in.all(); len(got) != 0 {
		t.Fatalf("unauthorized user reached the handler: %v", got)
	}
}
