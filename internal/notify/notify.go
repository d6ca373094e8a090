// Package notify implements the notification-event sink contract named in
// spec.md §9 and §6: the engine fans eight event kinds out to every
// configured Sink through one dispatcher goroutine.
package notify

import "time"

// EventKind enumerates the eight event kinds named in spec.md §6.
type EventKind string

const (
	EventStartup           EventKind = "startup"
	EventMonitorStart      EventKind = "monitor_start"
	EventCycleReport       EventKind = "cycle_report"
	EventOverspeedWarning  EventKind = "overspeed_warning"
	EventDownloadLimited   EventKind = "download_limit_applied"
	EventForcedReannounce  EventKind = "forced_reannounce"
	EventCookieInvalid     EventKind = "cookie_invalid"
	EventShutdown          EventKind = "shutdown"
)

// Event is a single notification, carrying only the fields relevant to its
// Kind; unused fields are left zero.
type Event struct {
	Kind EventKind
	Time time.Time

	// startup
	TargetKiB     float64
	SafetyMargin  float64
	ClientVersion string
	SiteAssistOn  bool

	// per-torrent events
	Hash string
	Name string

	// cycle_report
	Ratio  float64
	Uploaded int64
	AvgBps float64
	Grade  string

	// overspeed_warning
	RealAverageBps float64
	LimitBps       float64

	// download_limit_applied
	CapBps float64
	Reason string

	// cookie_invalid
	SiteID string
}

// Sink receives notification events. Implementations must not block the
// dispatcher goroutine for long; slow sinks should buffer internally.
type Sink interface {
	Notify(Event)
}
