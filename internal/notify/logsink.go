package notify

import (
	"github.com/sirupsen/logrus"

	"github.com/kestrelpt/pacer/internal/logging"
)

// LogSink is always active, backed by internal/logging, mirroring how
// akira's teacher code logged domain events through its component
// loggers rather than a dedicated notification channel.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink builds a LogSink using the engine component logger.
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.GetEngineLogger()}
}

func (s *LogSink) Notify(e Event) {
	fields := logrus.Fields{
		"event": string(e.Kind),
	}
	if e.Hash != "" {
		fields["hash"] = e.Hash
		fields["torrent"] = e.Name
	}

	switch e.Kind {
	case EventStartup:
		fields["target_kib"] = e.TargetKiB
		fields["safety_margin"] = e.SafetyMargin
		fields["client_version"] = e.ClientVersion
		fields["site_assist_on"] = e.SiteAssistOn
		s.logger.WithFields(fields).Info("pacer starting")
	case EventMonitorStart:
		s.logger.WithFields(fields).Info("torrent monitoring started")
	case EventCycleReport:
		fields["ratio"] = e.Ratio
		fields["uploaded"] = e.Uploaded
		fields["avg_bps"] = e.AvgBps
		fields["grade"] = e.Grade
		s.logger.WithFields(fields).Info("cycle report")
	case EventOverspeedWarning:
		fields["real_average_bps"] = e.RealAverageBps
		fields["limit_bps"] = e.LimitBps
		s.logger.WithFields(fields).Warn("overspeed warning")
	case EventDownloadLimited:
		fields["cap_bps"] = e.CapBps
		fields["reason"] = e.Reason
		s.logger.WithFields(fields).Info("download limit applied")
	case EventForcedReannounce:
		fields["reason"] = e.Reason
		s.logger.WithFields(fields).Info("forced reannounce")
	case EventCookieInvalid:
		fields["site_id"] = e.SiteID
		s.logger.WithFields(fields).Warn("site cookie invalid")
	case EventShutdown:
		s.logger.WithFields(fields).Info("pacer shutting down")
	default:
		s.logger.WithFields(fields).Debug("notification")
	}
}
