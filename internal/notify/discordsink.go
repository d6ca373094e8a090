package notify

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/kestrelpt/pacer/internal/logging"
)

// DiscordSink posts notification events to a Discord webhook, adapted from
// akira's internal/bot/bot.go discordgo session setup — generalized from a
// bot-token interactive session to a bodiless webhook poster (no commands,
// no gateway connection).
type DiscordSink struct {
	session     *discordgo.Session
	webhookID   string
	webhookToken string
	logger      *logging.Logger
}

// NewDiscordSink builds a DiscordSink from a full webhook URL
// (https://discord.com/api/webhooks/<id>/<token>).
func NewDiscordSink(webhookURL string) (*DiscordSink, error) {
	id, token, err := parseWebhookURL(webhookURL)
	if err != nil {
		return nil, err
	}

	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	return &DiscordSink{
		session:      session,
		webhookID:    id,
		webhookToken: token,
		logger:       logging.GetEngineLogger(),
	}, nil
}

func parseWebhookURL(raw string) (id, token string, err error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) < 4 {
		return "", "", fmt.Errorf("malformed discord webhook url: %q", raw)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

func (s *DiscordSink) Notify(e Event) {
	content := formatEvent(e)
	if content == "" {
		return
	}

	_, err := s.session.WebhookExecute(s.webhookID, s.webhookToken, false, &discordgo.WebhookParams{
		Content: content,
	})
	if err != nil {
		s.logger.WithError(err).Warn("failed to deliver discord notification")
	}
}

func formatEvent(e Event) string {
	switch e.Kind {
	case EventStartup:
		return fmt.Sprintf("pacer started: target=%.0f KiB/s margin=%.2f site_assist=%v",
			e.TargetKiB, e.SafetyMargin, e.SiteAssistOn)
	case EventMonitorStart:
		return fmt.Sprintf("now monitoring **%s**", e.Name)
	case EventCycleReport:
		return fmt.Sprintf("**%s** cycle: ratio=%.3f avg=%.0f B/s grade=%s", e.Name, e.Ratio, e.AvgBps, e.Grade)
	case EventOverspeedWarning:
		return fmt.Sprintf(":warning: **%s** overspeed: real_avg=%.0f B/s limit=%.0f B/s", e.Name, e.RealAverageBps, e.LimitBps)
	case EventDownloadLimited:
		return fmt.Sprintf("**%s** download capped at %.0f B/s (%s)", e.Name, e.CapBps, e.Reason)
	case EventForcedReannounce:
		return fmt.Sprintf("**%s** forced reannounce (%s)", e.Name, e.Reason)
	case EventCookieInvalid:
		return fmt.Sprintf(":x: site cookie invalid for site %s", e.SiteID)
	case EventShutdown:
		return "pacer shutting down"
	default:
		return ""
	}
}
