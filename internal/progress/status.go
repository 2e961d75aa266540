package progress

// StatusKind is the coarse state of the sync pipeline.
type StatusKind int

const (
	StatusIdle StatusKind = iota
	StatusSyncing
	StatusSuccess
	StatusFailed
	StatusOffline
)

func (k StatusKind) String() string {
	switch k {
	case StatusIdle:
		return "idle"
	case StatusSyncing:
		return "syncing"
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Status is the latest sync state. Reason is only set for StatusFailed.
type Status struct {
	Kind   StatusKind
	Reason string
}

func Idle() Status                { return Status{Kind: StatusIdle} }
func Syncing() Status             { return Status{Kind: StatusSyncing} }
func Success() Status             { return Status{Kind: StatusSuccess} }
func Offline() Status             { return Status{Kind: StatusOffline} }
func Failed(reason string) Status { return Status{Kind: StatusFailed, Reason: reason} }

func (s Status) String() string {
	if s.Kind == StatusFailed && s.Reason != "" {
		return "failed: " + s.Reason
	}
	return s.Kind.String()
}
