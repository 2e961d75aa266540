// Package conflict classifies a local reading position against the remote
// copy. It is pure: no I/O, no clock.
package conflict

import (
	"math"

	"github.com/example/reading-sync/internal/progress"
)

type Outcome int

const (
	NoRemote Outcome = iota
	RemoteNewer
	LocalNewer
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case NoRemote:
		return "no-remote"
	case RemoteNewer:
		return "remote-newer"
	case LocalNewer:
		return "local-newer"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Decision is the classification plus the two facts callers need to pick a
// presentation: whether the writes were concurrent (within the skew window)
// and whether they point at the same position.
type Decision struct {
	Outcome    Outcome
	Concurrent bool
	Convergent bool
}

type Policy struct {
	WindowMillis int64
	Epsilon      float64
}

// Default uses a 10s skew window and a 1% position tolerance.
func Default() Policy {
	return Policy{WindowMillis: progress.ConflictWindowMillis, Epsilon: progress.PercentageEpsilon}
}

// Classify orders local and remote. Timestamps within the window are
// concurrent and resolved by timestamp, then by the lexicographically
// larger device id. Outside the window, differing content written by
// different devices is a Conflict.
//
// local may be nil (not imported). localDeviceID is used when the local
// record does not carry its author.
func (p Policy) Classify(local *progress.Record, remote *progress.RemoteRecord, localDeviceID string) Decision {
	if remote == nil {
		return Decision{Outcome: NoRemote}
	}
	if local == nil || local.Untouched() {
		return Decision{Outcome: RemoteNewer}
	}
	if remote.UpdatedAt == 0 {
		return Decision{Outcome: LocalNewer}
	}

	localDev := local.DeviceID
	if localDev == "" {
		localDev = localDeviceID
	}

	d := Decision{Convergent: p.sameContent(local, remote)}
	delta := local.UpdatedAt - remote.UpdatedAt

	if abs(delta) <= p.WindowMillis {
		d.Concurrent = true
		d.Outcome = order(delta, localDev, remote.DeviceID)
		return d
	}
	if d.Convergent || localDev == remote.DeviceID {
		d.Outcome = order(delta, localDev, remote.DeviceID)
		return d
	}
	d.Outcome = Conflict
	return d
}

func (p Policy) sameContent(local *progress.Record, remote *progress.RemoteRecord) bool {
	if local.Locator != "" && local.Locator == remote.Locator {
		return true
	}
	return math.Abs(local.Percentage-remote.Percentage) <= p.Epsilon
}

// order is a total order: newer timestamp first, then larger device id.
// Equal timestamps from the same device are the same write, kept locally.
func order(delta int64, localDev, remoteDev string) Outcome {
	switch {
	case delta > 0:
		return LocalNewer
	case delta < 0:
		return RemoteNewer
	case remoteDev > localDev:
		return RemoteNewer
	default:
		return LocalNewer
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
