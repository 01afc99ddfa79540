package progress

import (
	"log/slog"
	"sync"
)

// StatusBoard stores the latest status text per instance ID.
type StatusBoard struct {
	statuses map[string]string
	mu       sync.RWMutex
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		statuses: make(map[string]string),
	}
}

// Set updates the status of an instance.
func (b *StatusBoard) Set(instanceID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[instanceID] = status
}

// Get returns the status of an instance, or "".
func (b *StatusBoard) Get(instanceID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.statuses[instanceID]
}

// All returns a copy of every status.
func (b *StatusBoard) All() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]string, len(b.statuses))
	for k, v := range b.statuses {
		out[k] = v
	}
	return out
}

// StatusLine logs status text with instance context and records it on a board.
// A nil *StatusLine discards updates, so handlers never need to check.
type StatusLine struct {
	logger     *slog.Logger
	board      *StatusBoard
	instanceID string
}

// NewStatusLine binds a status line to one instance. board may be nil, in which
// case updates are only logged.
func NewStatusLine(instanceID string, logger *slog.Logger, board *StatusBoard) *StatusLine {
	return &StatusLine{
		logger:     logger,
		board:      board,
		instanceID: instanceID,
	}
}

// Set logs the status and records it on the board.
func (sl *StatusLine) Set(status string) {
	if sl == nil {
		return
	}
	sl.logger.Info(status, "instance_id", sl.instanceID)
	if sl.board != nil {
		sl.board.Set(sl.instanceID, status)
	}
}

// CaptureError runs f and, if it fails, records the error as the status.
func CaptureError(sl *StatusLine, f func() error) error {
	err := f()
	if err != nil {
		sl.Set("❌ " + err.Error())
	}
	return err
}
