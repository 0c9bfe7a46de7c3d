package viewer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/guestcall/internal/util"
)

// LogEntry is one log line. Level and Logger are filled in when the line is
// in go-log's plaintext layout (ts, level, logger, caller, message separated
// by tabs); other lines keep them empty and carry the whole text in Msg.
type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

// zap's ISO8601 encoder, as used by go-log.
const zapISO8601 = "2006-01-02T15:04:05.000Z0700"

var levelRank = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3, "DPANIC": 4, "PANIC": 5, "FATAL": 6}

func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 4 {
		return e
	}
	if _, ok := levelRank[parts[1]]; !ok {
		return e
	}
	for _, layout := range []string{zapISO8601, time.RFC3339Nano} {
		if ts, err := time.Parse(layout, parts[0]); err == nil {
			e.TS = ts
			break
		}
	}
	e.Level, e.Logger = parts[1], parts[2]
	// The caller column is absent when go-log runs without caller info.
	e.Msg = parts[len(parts)-1]
	return e
}

// logFilter selects entries by minimum level and logger name.
type logFilter struct {
	minRank int
	logger  string
}

func filterFrom(r *http.Request) logFilter {
	q := r.URL.Query()
	f := logFilter{logger: q.Get("logger")}
	if lvl := strings.ToUpper(q.Get("level")); lvl != "" {
		f.minRank = levelRank[lvl]
	}
	return f
}

func (f logFilter) match(e LogEntry) bool {
	if f.logger != "" && e.Logger != f.logger {
		return false
	}
	if f.minRank > 0 && e.Level != "" && levelRank[e.Level] < f.minRank {
		return false
	}
	return true
}

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

// Write implements io.Writer. Input is split into lines; blank lines are
// dropped and a trailing partial line waits for the next Write.
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

		e := parseLine(line)
		b.entries.Push(e)
		for ch := range b.subs {
			select {
			case ch <- e:
			default:
			}
		}
	}
	return len(p), nil
}

// Follow copies r into the buffer until r fails or is closed. Meant for a
// go-log pipe reader.
func (b *LogBuffer) Follow(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		_, _ = b.Write(append(sc.Bytes(), '\n'))
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

// Subscribe tails new entries. A subscriber that falls 64 entries behind
// misses lines.
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

// GET /api/logs[?n=100][&level=warn][&logger=player]
// n counts entries before filtering.
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n < 0 {
		n = 0
	}
	f := filterFrom(r)

	var out []LogEntry
	for _, e := range b.entries.Last(n) {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if out == nil {
		out = []LogEntry{}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// GET /api/logs/stream, tail only. Accepts the same level/logger filters.
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	f := filterFrom(r)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

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
			data, _ := json.Marshal(e)
			_, _ = w.Write([]byte("event: log\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		}
	}
}
