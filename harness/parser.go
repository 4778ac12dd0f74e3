package harness

import (
	"bytes"
	"regexp"
	"strings"
	"sync"
)

const (
	// DefaultMaxLine guards against pathological single-line output.
	DefaultMaxLine = 10000
	// DefaultRingSize bounds the rolling window kept for summary and
	// file-operation extraction.
	DefaultRingSize = 1 << 20 // 1 MiB
	// recentLineCount is how much line history DetectQuestion can see.
	recentLineCount = 50
)

// ansiRe matches CSI/OSC escape sequences and stray escapes that
// interactive CLIs sprinkle into their output.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[@-Z\\-_]`)

// OutputParser turns one raw output stream into adapter events. It
// strips terminal control sequences, buffers partial lines until the
// newline arrives, enforces a max line length and keeps a rolling window
// of everything seen. Safe for concurrent use: the pump goroutine feeds
// it while the stall watcher reads Pending/Recent.
type OutputParser struct {
	adapter Adapter
	maxLine int

	mu      sync.Mutex
	partial []byte
	recent  []string
	ring    *ring
	lines   int
}

// NewOutputParser builds a parser for one stream.
func NewOutputParser(adapter Adapter, maxLine, ringSize int) *OutputParser {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &OutputParser{
		adapter: adapter,
		maxLine: maxLine,
		ring:    newRing(ringSize),
	}
}

// Feed consumes a chunk of raw stream data and returns the events for
// every completed line. Adapter-silent lines surface as EventLine so the
// caller can still observe raw output.
func (p *OutputParser) Feed(data []byte) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partial = append(p.partial, data...)
	var events []Event
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			// Guard unbounded lines: force a break at maxLine.
			if len(p.partial) > p.maxLine {
				line := p.partial[:p.maxLine]
				p.partial = append([]byte(nil), p.partial[p.maxLine:]...)
				events = append(events, p.emit(string(line)))
				continue
			}
			return events
		}
		line := string(p.partial[:i])
		p.partial = append([]byte(nil), p.partial[i+1:]...)
		events = append(events, p.emit(line))
	}
}

// Flush drains any buffered partial line at end of stream.
func (p *OutputParser) Flush() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.partial) == 0 {
		return nil
	}
	line := string(p.partial)
	p.partial = nil
	if strings.TrimSpace(stripControl(line)) == "" {
		return nil
	}
	return []Event{p.emit(line)}
}

// Pending returns the cleaned partial line currently buffered. Prompts
// without trailing newlines live here.
func (p *OutputParser) Pending() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimRight(stripControl(string(p.partial)), " ")
}

// Recent returns up to recentLineCount cleaned lines, oldest first.
func (p *OutputParser) Recent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.recent...)
}

// Snapshot returns the rolling output window.
func (p *OutputParser) Snapshot() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.snapshot()
}

// Lines reports how many complete lines were parsed.
func (p *OutputParser) Lines() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines
}

func (p *OutputParser) emit(raw string) Event {
	line := stripControl(raw)
	if len(line) > p.maxLine {
		line = line[:p.maxLine]
	}
	p.lines++
	p.ring.write(line)
	p.recent = append(p.recent, line)
	if len(p.recent) > recentLineCount {
		p.recent = p.recent[len(p.recent)-recentLineCount:]
	}
	if ev := p.adapter.ParseOutputLine(line); ev != nil {
		return *ev
	}
	return Event{Type: EventLine, Text: line}
}

// stripControl removes ANSI escapes and carriage returns.
func stripControl(s string) string {
	s = ansiRe.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, "\r", "")
}

// ring is a byte-bounded rolling window of line-oriented output.
type ring struct {
	max int
	buf []byte
}

func newRing(max int) *ring { return &ring{max: max} }

func (r *ring) write(line string) {
	r.buf = append(r.buf, line...)
	r.buf = append(r.buf, '\n')
	if len(r.buf) > r.max {
		// Drop whole lines from the front to stay under budget.
		cut := len(r.buf) - r.max
		if i := bytes.IndexByte(r.buf[cut:], '\n'); i >= 0 {
			cut += i + 1
		}
		r.buf = append([]byte(nil), r.buf[cut:]...)
	}
}

func (r *ring) snapshot() string { return string(r.buf) }
