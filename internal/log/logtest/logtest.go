// Package logtest records log calls for assertions in tests.
package logtest

import (
	"context"
	"sync"

	"github.com/keithlinneman/academy-api/internal/log"
)

// Entry is one recorded call. KV holds With fields followed by call fields.
type Entry struct {
	Level string
	Msg   string
	Err   error
	KV    []any
}

// Field returns the last value logged under key.
func (e Entry) Field(key string) (any, bool) {
	var (
		v     any
		found bool
	)
	for i := 0; i+1 < len(e.KV); i += 2 {
		if k, ok := e.KV[i].(string); ok && k == key {
			v, found = e.KV[i+1], true
		}
	}
	return v, found
}

type sink struct {
	mu      sync.Mutex
	entries []Entry
}

// Recorder implements log.Logger. Loggers derived with With share one sink.
type Recorder struct {
	sink *sink
	with []any
}

func New() *Recorder { return &Recorder{sink: &sink{}} }

func (r *Recorder) With(kv ...any) log.Logger {
	with := make([]any, 0, len(r.with)+len(kv))
	with = append(with, r.with...)
	with = append(with, kv...)
	return &Recorder{sink: r.sink, with: with}
}

func (r *Recorder) Debug(_ context.Context, msg string, kv ...any) { r.add("debug", msg, nil, kv) }
func (r *Recorder) Info(_ context.Context, msg string, kv ...any)  { r.add("info", msg, nil, kv) }
func (r *Recorder) Warn(_ context.Context, msg string, kv ...any)  { r.add("warn", msg, nil, kv) }
func (r *Recorder) Error(_ context.Context, err error, msg string, kv ...any) {
	r.add("error", msg, err, kv)
}
func (r *Recorder) Sync() error { return nil }

func (r *Recorder) add(level, msg string, err error, kv []any) {
	all := make([]any, 0, len(r.with)+len(kv))
	all = append(all, r.with...)
	all = append(all, kv...)
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	r.sink.entries = append(r.sink.entries, Entry{Level: level, Msg: msg, Err: err, KV: all})
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.sink.mu.Lock()
	defer r.sink.mu.Unlock()
	return append([]Entry(nil), r.sink.entries...)
}

// Find returns the last entry with msg.
func (r *Recorder) Find(msg string) (Entry, bool) {
	entries := r.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Msg == msg {
			return entries[i], true
		}
	}
	return Entry{}, false
}

// Count returns how many entries were recorded at level. Empty matches all.
func (r *Recorder) Count(level string) int {
	n := 0
	for _, e := range r.Entries() {
		if level == "" || e.Level == level {
			n++
		}
	}
	return n
}
