// Package testrun holds the core domain types for test run
// orchestration: the run status state machine, run ID generation, the
// queue work order, and progress derivation.
package testrun

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is a test run lifecycle state.
type Status string

// Test run statuses. A run moves forward one state at a time; FAILED is
// reachable from any active state and both terminal states are final.
const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// statusOrder positions each state on the forward path. FAILED sits off
// the path and is handled separately.
var statusOrder = map[Status]int{
	StatusQueued:     0,
	StatusProcessing: 1,
	StatusRunning:    2,
	StatusCompleted:  3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusRunning,
		StatusCompleted, StatusFailed:
		return true
	}

	return false
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Active reports whether a run in this state holds the execution slot.
func (s Status) Active() bool {
	return s.Valid() && !s.Terminal()
}

// CanTransitionTo reports whether the state machine permits moving from
// s to next: one step forward along the path, or to FAILED from any
// non-terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}

	if next == StatusFailed {
		return s.Valid()
	}

	from, okFrom := statusOrder[s]
	to, okTo := statusOrder[next]

	return okFrom && okTo && to == from+1
}

// ActiveStatuses returns the states that hold the execution slot.
func ActiveStatuses() []Status {
	return []Status{StatusQueued, StatusProcessing, StatusRunning}
}

// TerminalStatuses returns the final states.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusFailed}
}

// NewRunID builds a unique, human-scannable run identifier from the
// test set name and submission time. The name is sanitized to the
// S3-prefix-friendly set since run IDs become object key prefixes.
func NewRunID(testSetName string, now time.Time) string {
	return fmt.Sprintf("%s-%s-%s",
		sanitizeName(testSetName),
		now.UTC().Format("20060102-150405"),
		uuid.NewString()[:8],
	)
}

func sanitizeName(name string) string {
	var b strings.Builder

	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == ' ', r == '_', r == '.':
			b.WriteRune('-')
		}
	}

	return strings.Trim(b.String(), "-")
}

// QueueMessage is the work order published at submission and consumed
// by the execution worker. Field names are part of the wire contract
// with the downstream document pipeline.
type QueueMessage struct {
	TestRunID      string `json:"testRunId"`
	FilePattern    string `json:"filePattern"`
	InputBucket    string `json:"inputBucket"`
	BaselineBucket string `json:"baselineBucket"`
	TrackingTable  string `json:"trackingTable"`
}

// Encode serializes the work order for publication.
func (m QueueMessage) Encode() ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding queue message: %w", err)
	}

	return body, nil
}

// DecodeQueueMessage parses a work order from a queue delivery body.
func DecodeQueueMessage(body []byte) (*QueueMessage, error) {
	var msg QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("decoding queue message: %w", err)
	}

	if msg.TestRunID == "" {
		return nil, fmt.Errorf("queue message missing testRunId")
	}

	return &msg, nil
}

// Progress derives the 0..1 completion fraction from the run counters.
// Failed files count as progress: the fraction measures how much of the
// run is behind it, not how well it went. A zero-file run reports full
// progress once terminal.
func Progress(status Status, filesCount, completed, failed int) float64 {
	if filesCount <= 0 {
		if status.Terminal() {
			return 1.0
		}

		return 0
	}

	done := completed + failed
	if done > filesCount {
		done = filesCount
	}

	return float64(done) / float64(filesCount)
}
