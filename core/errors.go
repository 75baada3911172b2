package core

import "github.com/cockroachdb/errors"

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskExists      = errors.New("task already exists")
	ErrTaskTerminal    = errors.New("task already finished")
	ErrQueueFull       = errors.New("task queue is full")
	ErrQueueClosed     = errors.New("task queue is closed")
	ErrNotCancellable  = errors.New("task cannot be cancelled")
	ErrVideoUnreadable = errors.New("video unreadable")
	ErrCancelled       = errors.New("cancelled")
)
