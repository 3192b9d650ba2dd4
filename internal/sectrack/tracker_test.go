package sectrack

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failure(admin, addr string) Event {
	return Event{AdminID: admin, ClientAddr: addr, Action: ActionVerify, Success: false}
}

func TestAlertOnFifthFailureSamePair(t *testing.T) {
	tr := New()
	for i := 0; i < 4; i++ {
		alert := tr.Record(failure("admin-1", "10.0.0.9"))
		require.Nil(t, alert, "alert fired on failure %d", i+1)
	}
	alert := tr.Record(failure("admin-1", "10.0.0.9"))
	require.NotNil(t, alert, "no alert on fifth failure")
	assert.Equal(t, "admin-1", alert.AdminID)
	assert.Equal(t, "10.0.0.9", alert.ClientAddr)
	assert.Equal(t, 5, alert.Failures)
}

func TestNoAlertAcrossDifferentAddresses(t *testing.T) {
	tr := New()
	for i := 0; i < 3; i++ {
		require.Nil(t, tr.Record(failure("admin-1", "10.0.0.1")))
	}
	for i := 0; i < 2; i++ {
		require.Nil(t, tr.Record(failure("admin-1", "10.0.0.2")))
	}
}

func TestSuccessesDoNotCountTowardAlert(t *testing.T) {
	tr := New()
	for i := 0; i < 4; i++ {
		tr.Record(failure("admin-1", "addr"))
	}
	ok := Event{AdminID: "admin-1", ClientAddr: "addr", Action: ActionVerify, Success: true}
	require.Nil(t, tr.Record(ok), "success event produced an alert")
	// Still only four failures in the window.
	alert := tr.Record(failure("admin-1", "addr"))
	require.NotNil(t, alert)
	assert.Equal(t, 5, alert.Failures)
}

func TestStaleFailuresExpireFromWindow(t *testing.T) {
	tr := New()
	clock := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return clock }

	for i := 0; i < 4; i++ {
		tr.Record(failure("admin-1", "addr"))
	}
	clock = clock.Add(16 * time.Minute)
	assert.Nil(t, tr.Record(failure("admin-1", "addr")), "stale failures still counted")
}

func TestCapacityEvictsOldest(t *testing.T) {
	tr := New()
	tr.capacity = 5
	for i := 0; i < 8; i++ {
		tr.Record(Event{AdminID: fmt.Sprintf("admin-%d", i), ClientAddr: "addr", Action: ActionVerify, Success: true})
	}
	require.Len(t, tr.events, 5)
	assert.Equal(t, "admin-3", tr.events[0].AdminID, "oldest surviving event")
	assert.Empty(t, tr.EventsFor("admin-0", 10), "evicted event still returned")
}

func TestEventsForMostRecentFirst(t *testing.T) {
	tr := New()
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 4; i++ {
		tr.Record(Event{AdminID: "a", ClientAddr: "addr", Action: ActionVerify, Success: true, At: base.Add(time.Duration(i) * time.Second)})
	}
	tr.Record(Event{AdminID: "b", ClientAddr: "addr", Action: ActionVerify, Success: true, At: base.Add(time.Minute)})

	got := tr.EventsFor("a", 3)
	require.Len(t, got, 3)
	assert.True(t, got[0].At.After(got[1].At))
	assert.True(t, got[1].At.After(got[2].At))
	for _, ev := range got {
		assert.Equal(t, "a", ev.AdminID)
	}
}

func TestStatsTrailingDay(t *testing.T) {
	tr := New()
	clock := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return clock }

	tr.Record(Event{AdminID: "old", ClientAddr: "1.1.1.1", Action: ActionVerify, Success: false, At: clock.Add(-25 * time.Hour)})
	tr.Record(Event{AdminID: "a", ClientAddr: "2.2.2.2", Action: ActionVerify, Success: true, At: clock.Add(-time.Hour)})
	tr.Record(Event{AdminID: "a", ClientAddr: "2.2.2.2", Action: ActionVerify, Success: false, At: clock.Add(-time.Minute)})
	tr.Record(Event{AdminID: "b", ClientAddr: "3.3.3.3", Action: ActionSetup, Success: false, At: clock.Add(-time.Minute)})

	s := tr.Stats()
	assert.Equal(t, 3, s.Total, "event outside 24h included")
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
	assert.InDelta(t, 2.0/3.0, s.FailureRate, 1e-9)
	assert.Equal(t, 2, s.DistinctClients)
	assert.Equal(t, 2, s.DistinctAdmins)
}

func TestValidateSetupAttempt(t *testing.T) {
	tr := New()
	clock := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return clock }

	setup := Event{AdminID: "admin-1", ClientAddr: "addr", Action: ActionSetup, Success: true}
	for i := 0; i < 2; i++ {
		require.True(t, tr.ValidateSetupAttempt("admin-1", "addr"), "attempt %d denied", i+1)
		tr.Record(setup)
	}
	require.True(t, tr.ValidateSetupAttempt("admin-1", "addr"))
	tr.Record(setup)

	assert.False(t, tr.ValidateSetupAttempt("admin-1", "addr"), "fourth generation allowed")
	assert.False(t, tr.ValidateSetupAttempt("admin-1", "other-addr"), "address switch reset the count")
	assert.True(t, tr.ValidateSetupAttempt("admin-2", "addr"), "unrelated admin denied")

	clock = clock.Add(16 * time.Minute)
	assert.True(t, tr.ValidateSetupAttempt("admin-1", "addr"), "stale setups still counted")
}
