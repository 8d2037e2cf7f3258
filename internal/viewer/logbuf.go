package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
	"github.com/rs/zerolog"
)

type LogEntry struct {
	TS        time.Time      `json:"ts"`
	Level     string         `json:"level,omitempty"`
	Component string         `json:"component,omitempty"`
	Msg       string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogBuffer keeps the most recent log lines for the control API. It is an
// io.Writer meant to sit next to the console writer behind zerolog.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write accepts zerolog JSON lines; anything else is kept verbatim.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := strings.TrimRight(string(data[:i]), "\r")
		b.partial.Next(i + 1)
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLogLine(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
				// drop on slow subscriber
			}
		}
	}

	return len(p), nil
}

func parseLogLine(line string) LogEntry {
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return LogEntry{TS: time.Now(), Msg: line}
	}
	e := LogEntry{TS: time.Now()}
	if s, ok := fields["time"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, s); err == nil {
			e.TS = ts
		}
	}
	e.Level, _ = fields["level"].(string)
	e.Component, _ = fields["component"].(string)
	e.Msg, _ = fields["message"].(string)
	for _, k := range []string{"time", "level", "component", "message"} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		e.Fields = fields
	}
	return e
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// logFilter narrows entries by ?component= and ?level= (minimum zerolog level).
type logFilter struct {
	component string
	level     zerolog.Level
}

func filterFrom(r *http.Request) (logFilter, error) {
	q := r.URL.Query()
	f := logFilter{component: q.Get("component"), level: zerolog.TraceLevel}
	if s := q.Get("level"); s != "" {
		lvl, err := zerolog.ParseLevel(s)
		if err != nil {
			return f, err
		}
		f.level = lvl
	}
	return f, nil
}

func (f logFilter) match(e LogEntry) bool {
	if f.component != "" && e.Component != f.component {
		return false
	}
	if e.Level == "" {
		return true
	}
	lvl, err := zerolog.ParseLevel(e.Level)
	return err != nil || lvl >= f.level
}

// GET /api/logs?component=call&level=warn
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	f, err := filterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out := []LogEntry{}
	for _, e := range b.Snapshot() {
		if f.match(e) {
			out = append(out, e)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/logs/stream  (Server-Sent Events) - tail only (no snapshot)
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	f, err := filterFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sseHeaders(w)

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !f.match(e) {
				continue
			}
			writeSSE(w, "message", e)
			flusher.Flush()
		}
	}
}
