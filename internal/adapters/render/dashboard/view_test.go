package dashboard

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/bnema/sdash/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePayload() domain.Payload {
	return domain.Payload{
		domain.ResourceSessions: {
			{"id": json.Number("1"), "titre": "Atelier Go", "inscrits": json.Number("12"), "capacite": json.Number("20"), "salle": "B12"},
			{"id": json.Number("2"), "titre": "Keynote", "inscrits": json.Number("80"), "capacite": json.Number("80"), "liste_attente": json.Number("4")},
		},
		domain.ResourceParticipants: {{"id": 1}, {"id": 2}, {"id": 3}},
		domain.ResourceRooms:        {{"nom": "B12", "capacite": json.Number("20")}, {"nom": "Amphi"}},
		domain.ResourceActivityLog:  {{"date": "09:12", "message": "Alice inscrite à Atelier Go"}},
	}
}

func TestRenderViewShowsSessionsAndRooms(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	output := RenderView(View{
		Payload: samplePayload(),
		State: domain.PollingState{
			Enabled:       true,
			Interval:      domain.Duration(30 * time.Second),
			LastRefreshAt: now.Add(-10 * time.Second),
		},
	}, RenderOptions{Now: now})

	assert.Contains(t, output, "sessions: 2")
	assert.Contains(t, output, "participants: 3")
	assert.Contains(t, output, "Atelier Go")
	assert.Contains(t, output, "12/20")
	assert.Contains(t, output, "80/80 full")
	assert.Contains(t, output, "waitlist 4")
	assert.Contains(t, output, "@ B12")
	assert.Contains(t, output, "B12 (20), Amphi")
	assert.Contains(t, output, "refreshed 10 seconds ago")
	assert.Contains(t, output, "every 30s")
	assert.NotContains(t, output, "Recent activity")
}

func TestRenderViewActivityPanel(t *testing.T) {
	output := RenderView(View{Payload: samplePayload(), ShowActivity: true}, RenderOptions{})

	assert.Contains(t, output, "Recent activity")
	assert.Contains(t, output, "Alice inscrite")
	assert.Contains(t, output, "waiting for first refresh")
}

func TestRenderViewWarningAndThrottle(t *testing.T) {
	output := RenderView(View{
		Payload: domain.Payload{},
		Warning: "Dashboard API unreachable",
		State:   domain.PollingState{Throttled: true, ConsecutiveErrors: 5},
	}, RenderOptions{})

	assert.Contains(t, output, "Dashboard API unreachable")
	assert.Contains(t, output, "auto-refresh paused after 5 errors")
	assert.Contains(t, output, "sessions: -")
	assert.Contains(t, output, "No sessions available.")
}

func TestRenderViewIndicatorWhileInFlight(t *testing.T) {
	output := RenderView(View{
		Indicator: "*",
		State:     domain.PollingState{InFlight: true, Paused: true},
	}, RenderOptions{})

	assert.Contains(t, output, "* · refreshing · auto-refresh paused")
}

func TestRenderRunsHeadless(t *testing.T) {
	output, err := Render(View{Payload: samplePayload()}, RenderOptions{})
	require.NoError(t, err)
	assert.Contains(t, output, "Session dashboard")
}

func TestIntFieldAcceptsDecodedShapes(t *testing.T) {
	record := domain.Record{"a": json.Number("7"), "b": 3.0, "c": "12", "d": json.Number("2.5")}

	for key, want := range map[string]int64{"a": 7, "b": 3, "c": 12, "d": 2} {
		got, ok := intField(record, key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}

	_, ok := intField(record, "missing")
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
