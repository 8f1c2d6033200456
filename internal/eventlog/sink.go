// Package eventlog persists asynchronous advert records to an append-only
// JSONL file and fans them out to live subscribers.
package eventlog

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRingCapacity  = 200
	defaultSubscriberCap = 100
)

// Log is the advert sink. Writes are best-effort: a failed file append is
// logged and dropped, never surfaced to the command-execution path.
type Log struct {
	path string
	now  func() time.Time

	fileMu sync.Mutex
	ring   *Ring

	subMu sync.RWMutex
	subs  map[string]chan json.RawMessage
}

// New creates a sink appending to the given JSONL path.
func New(path string) *Log {
	return &Log{
		path: path,
		now:  time.Now,
		ring: NewRing(defaultRingCapacity),
		subs: make(map[string]chan json.RawMessage),
	}
}

// Path returns the JSONL file location.
func (l *Log) Path() string { return l.path }

// Append records one advert. The receipt timestamp is injected here as a
// "ts" field (seconds since epoch); the device's own clock is not trusted.
func (l *Log) Append(raw json.RawMessage) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		log.Printf("advert log: malformed record: %v", err)
		return
	}
	obj["ts"] = float64(l.now().UnixNano()) / float64(time.Second)

	line, err := json.Marshal(obj)
	if err != nil {
		log.Printf("advert log: marshal failed: %v", err)
		return
	}

	l.ring.Write(line)
	l.fanOut(line)

	l.fileMu.Lock()
	defer l.fileMu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("advert log: open failed: %v", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Printf("advert log: write failed: %v", err)
	}
}

// Subscribe returns a channel of advert records plus the recent history,
// oldest first. The returned ID is passed to Unsubscribe.
func (l *Log) Subscribe() (string, <-chan json.RawMessage, []json.RawMessage) {
	id := uuid.New().String()
	ch := make(chan json.RawMessage, defaultSubscriberCap)

	// Snapshot history before registering to avoid duplicates.
	history := l.ring.ReadAll()

	l.subMu.Lock()
	l.subs[id] = ch
	l.subMu.Unlock()

	return id, ch, history
}

// Unsubscribe removes and closes a subscriber channel.
func (l *Log) Unsubscribe(id string) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if ch, ok := l.subs[id]; ok {
		close(ch)
		delete(l.subs, id)
	}
}

func (l *Log) fanOut(line json.RawMessage) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for _, ch := range l.subs {
		select {
		case ch <- line:
		default:
			// Subscriber channel full, drop the record.
		}
	}
}
