// Package transport defines the chat-boundary contract. A Transport
// owns one surface (Telegram, Slack), turns inbound messages into
// Handler calls, and delivers outbound lines — both replies and
// asynchronous pushes like task progress and reminders.
package transport

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Handler routes one inbound message and returns the reply lines, in
// order. An empty slice means stay silent.
type Handler func(ctx context.Context, userID, text string) []string

// Transport is one chat surface.
type Transport interface {
	Name() string
	// Start begins receiving and blocks until ctx is cancelled or the
	// surface fails fatally.
	Start(ctx context.Context, h Handler) error
	// Send pushes one outbound message outside a request/reply
	// exchange.
	Send(userID, text string) error
	Close() error
}

// Split cuts text into chunks of at most max bytes, breaking on
// newlines where possible and never inside a UTF-8 sequence. Chat
// platforms reject oversized messages outright.
func Split(text string, max int) []string {
	if text == "" {
		return nil
	}
	if max <= 0 || len(text) <= max {
		return []string{text}
	}
	var out []string
	for len(text) > max {
		cut := strings.LastIndexByte(text[:max], '\n')
		if cut <= 0 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max
			}
		}
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
