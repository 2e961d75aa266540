// Package progress holds the reading-progress data model shared by devices
// and the progress service, plus the collaborator contracts the sync engine
// is written against.
package progress

import (
	"errors"
	"time"
)

const (
	// ConflictWindowMillis is the clock-skew tolerance. Two writes closer
	// together than this are treated as concurrent and never prompt.
	ConflictWindowMillis int64 = 10_000
	// PercentageEpsilon is the largest percentage difference still treated
	// as the same reading position.
	PercentageEpsilon = 0.01

	DefaultDebounce    = 5 * time.Second
	DefaultNetTimeout  = 10 * time.Second
	MaxOutboxRetries   = 10
	ActionPushProgress = "push_progress"
)

var (
	ErrNotFound          = errors.New("progress: not found")
	ErrProtocolViolation = errors.New("progress: protocol violation")
	ErrOffline           = errors.New("progress: remote unreachable")
	ErrSessionClosed     = errors.New("progress: session closed")
	ErrInvalidPercentage = errors.New("progress: percentage must be within [0,1]")
	ErrSuperseded        = errors.New("progress: remote holds newer progress")
)

// Record is the device-local reading position for one book.
//
// UpdatedAt is epoch millis; zero means the book was imported but never
// read on this device. DeviceID names the device that authored the value:
// this device for user saves, the remote device for adopted values.
type Record struct {
	BookID         string  `json:"book_id"`
	BookIdentifier string  `json:"book_identifier"`
	Locator        string  `json:"locator"`
	Percentage     float64 `json:"percentage"`
	UpdatedAt      int64   `json:"updated_at"`
	DeviceID       string  `json:"device_id,omitempty"`
}

// Untouched reports whether the record has never been written by a read.
func (r Record) Untouched() bool { return r.UpdatedAt == 0 }

// ValidPercentage reports whether p is a usable progress fraction.
func ValidPercentage(p float64) bool {
	return p >= 0 && p <= 1
}

// NowMillis is the wall clock in the unit every record uses.
func NowMillis() int64 { return time.Now().UnixMilli() }
