package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Notify(e Event) {
	r.events = append(r.events, e)
}

func TestLogSink_DoesNotPanicOnAnyEventKind(t *testing.T) {
	sink := NewLogSink()
	kinds := []EventKind{
		EventStartup, EventMonitorStart, EventCycleReport, EventOverspeedWarning,
		EventDownloadLimited, EventForcedReannounce, EventCookieInvalid, EventShutdown,
	}
	for _, k := range kinds {
		assert.NotPanics(t, func() {
			sink.Notify(Event{Kind: k, Hash: "abc", Name: "test"})
		})
	}
}

func TestRecordingSink_CapturesEvents(t *testing.T) {
	sink := &recordingSink{}
	sink.Notify(Event{Kind: EventCycleReport, Ratio: 1.01})
	assert.Len(t, sink.events, 1)
	assert.Equal(t, EventCycleReport, sink.events[0].Kind)
}

func TestParseWebhookURL(t *testing.T) {
	id, token, err := parseWebhookURL("https://discord.com/api/webhooks/123456789/abcDEF-token")
	assert.NoError(t, err)
	assert.Equal(t, "123456789", id)
	assert.Equal(t, "abcDEF-token", token)
}

func TestParseWebhookURL_Malformed(t *testing.T) {
	_, _, err := parseWebhookURL("https://discord.com/not-a-webhook")
	assert.Error(t, err)
}

func TestFormatEvent_UnknownKindIsEmpty(t *testing.T) {
	assert.Equal(t, "", formatEvent(Event{Kind: "not-a-real-kind"}))
}
