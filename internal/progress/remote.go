package progress

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RemoteRecord is the cloud copy of a user's position in a book. There is at
// most one per (UserID, BookIdentifier).
type RemoteRecord struct {
	UserID         string  `json:"user_id"`
	DeviceID       string  `json:"device_id"`
	BookIdentifier string  `json:"book_identifier"`
	Locator        string  `json:"locator"`
	Percentage     float64 `json:"percentage"`
	UpdatedAt      int64   `json:"updated_at"`
}

// Validate rejects records that are missing an owner, an author device or a
// book, or that carry an impossible percentage.
func (r RemoteRecord) Validate() error {
	var missing []string
	if strings.TrimSpace(r.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		missing = append(missing, "device_id")
	}
	if strings.TrimSpace(r.BookIdentifier) == "" {
		missing = append(missing, "book_identifier")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrProtocolViolation, strings.Join(missing, ", "))
	}
	if !ValidPercentage(r.Percentage) {
		return fmt.Errorf("%w: percentage %v out of range", ErrProtocolViolation, r.Percentage)
	}
	if r.UpdatedAt < 0 {
		return fmt.Errorf("%w: negative updated_at", ErrProtocolViolation)
	}
	return nil
}

// UnmarshalJSON decodes and validates, so a malformed record never reaches
// the conflict policy.
func (r *RemoteRecord) UnmarshalJSON(data []byte) error {
	type plain RemoteRecord
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	rec := RemoteRecord(p)
	if err := rec.Validate(); err != nil {
		return err
	}
	*r = rec
	return nil
}

// ToRemote stamps a local record with its owner and author device.
func (r Record) ToRemote(userID, deviceID string) RemoteRecord {
	return RemoteRecord{
		UserID:         userID,
		DeviceID:       deviceID,
		BookIdentifier: r.BookIdentifier,
		Locator:        r.Locator,
		Percentage:     r.Percentage,
		UpdatedAt:      r.UpdatedAt,
	}
}

// SupersededError reports a push the remote declined because it already
// holds a record that orders after it. Stored is that record.
type SupersededError struct {
	Stored RemoteRecord
}

func (e *SupersededError) Error() string {
	return fmt.Sprintf("%s: %s by %s at %d", ErrSuperseded, e.Stored.Locator, e.Stored.DeviceID, e.Stored.UpdatedAt)
}

func (e *SupersededError) Unwrap() error { return ErrSuperseded }

// Same reports whether r and o are the same write.
func (r RemoteRecord) Same(o RemoteRecord) bool {
	return r.UpdatedAt == o.UpdatedAt && r.DeviceID == o.DeviceID
}
