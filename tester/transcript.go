package tester

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
)

// EntryKind classifies a transcript entry.
type EntryKind string

const (
	EntryScanStarted  EntryKind = "scan_started"
	EntryScanFinished EntryKind = "scan_finished"
	EntryConnecting   EntryKind = "connecting"
	EntryConnected    EntryKind = "connected"
	EntrySent         EntryKind = "sent"
	EntryReceived     EntryKind = "received"
	EntryClosed       EntryKind = "closed"
	EntryError        EntryKind = "error"
)

// Entry is one line of the activity transcript. Data is set for sent and
// received messages and holds the raw bytes.
type Entry struct {
	Time      time.Time
	Kind      EntryKind
	Address   string
	SessionID string
	Message   string
	Data      []byte
}

func (e Entry) String() string {
	if e.Address == "" {
		return fmt.Sprintf("%s %s", e.Time.Format(time.TimeOnly), e.Message)
	}
	return fmt.Sprintf("%s [%s] %s", e.Time.Format(time.TimeOnly), e.Address, e.Message)
}

const (
	DefaultTranscriptSize uint32 = 256
	// MaxTranscriptSize guards against accidental misconfiguration.
	MaxTranscriptSize uint32 = 64 * 1024
)

// transcript is a bounded log that overwrites its oldest entries when full.
type transcript struct {
	buffer      mpmc.RichOverlappedRingBuffer[Entry]
	overwritten atomic.Int64
	dropped     atomic.Int64
}

func newTranscript(size uint32) (*transcript, error) {
	if size == 0 {
		return nil, fmt.Errorf("transcript size must be > 0")
	}
	if size > MaxTranscriptSize {
		return nil, fmt.Errorf("transcript size %d exceeds maximum %d", size, MaxTranscriptSize)
	}
	return &transcript{buffer: mpmc.NewOverlappedRingBuffer[Entry](size)}, nil
}

func (t *transcript) add(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	overwrites, err := t.buffer.EnqueueM(e)
	if err != nil {
		t.dropped.Add(1)
		return
	}
	t.overwritten.Add(int64(overwrites))
}

// drain removes and returns buffered entries, oldest first.
func (t *transcript) drain() []Entry {
	var out []Entry
	for !t.buffer.IsEmpty() {
		e, err := t.buffer.Dequeue()
		if err != nil {
			break
		}
		out = append(out, e)
	}
	return out
}
