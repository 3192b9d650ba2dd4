// Package sectrack keeps a capacity-bounded log of authentication-related
// events and flags suspicious repetition. The log feeds monitoring and
// alerting only; it is never consulted for authorization decisions.
package sectrack

import (
	"sync"
	"time"
)

type Action string

const (
	ActionSetup      Action = "setup"
	ActionVerify     Action = "verify"
	ActionBackupUsed Action = "backup-used"
	ActionDisabled   Action = "disabled"
)

// Event is one authentication-relevant attempt.
type Event struct {
	AdminID    string    `json:"adminId"`
	ClientAddr string    `json:"clientAddr"`
	ClientSig  string    `json:"clientSig,omitempty"`
	Action     Action    `json:"action"`
	Success    bool      `json:"success"`
	At         time.Time `json:"at"`
}

// Alert flags repeated failures from one (admin, address) pair. It is a
// signal value: emitting one never rejects the request that produced it,
// and this subsystem does not lock accounts.
type Alert struct {
	AdminID    string        `json:"adminId"`
	ClientAddr string        `json:"clientAddr"`
	Failures   int           `json:"failures"`
	Window     time.Duration `json:"window"`
	At         time.Time     `json:"at"`
}

const (
	defaultCapacity      = 1000
	defaultWindow        = 15 * time.Minute
	defaultFailThreshold = 5
	defaultSetupLimit    = 3
	statsWindow          = 24 * time.Hour
)

// Tracker is safe for concurrent use. The event slice self-trims on append,
// so no background sweep is needed.
type Tracker struct {
	mu         sync.Mutex
	events     []Event
	capacity   int
	window     time.Duration
	threshold  int
	setupLimit int
	now        func() time.Time
}

func New() *Tracker {
	return &Tracker{
		capacity:   defaultCapacity,
		window:     defaultWindow,
		threshold:  defaultFailThreshold,
		setupLimit: defaultSetupLimit,
		now:        time.Now,
	}
}

// Record appends an event, evicting the oldest entries once capacity is
// reached, then evaluates the suspicion heuristic: when the event is a
// failure and its (admin, address) pair has accumulated the threshold of
// failures inside the window, an Alert is returned. Nil otherwise.
func (tr *Tracker) Record(e Event) *Alert {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if e.At.IsZero() {
		e.At = tr.now()
	}
	tr.events = append(tr.events, e)
	if over := len(tr.events) - tr.capacity; over > 0 {
		tr.events = tr.events[over:]
	}

	if e.Success {
		return nil
	}

	cutoff := e.At.Add(-tr.window)
	failures := 0
	for i := range tr.events {
		ev := &tr.events[i]
		if ev.Success || ev.At.Before(cutoff) {
			continue
		}
		if ev.AdminID == e.AdminID && ev.ClientAddr == e.ClientAddr {
			failures++
		}
	}
	if failures < tr.threshold {
		return nil
	}
	return &Alert{
		AdminID:    e.AdminID,
		ClientAddr: e.ClientAddr,
		Failures:   failures,
		Window:     tr.window,
		At:         e.At,
	}
}

// EventsFor returns up to limit events for an admin, most recent first.
func (tr *Tracker) EventsFor(adminID string, limit int) []Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]Event, 0, limit)
	for i := len(tr.events) - 1; i >= 0 && len(out) < limit; i-- {
		if tr.events[i].AdminID == adminID {
			out = append(out, tr.events[i])
		}
	}
	return out
}

// Stats aggregates the trailing 24 hours of the log.
type Stats struct {
	Window          time.Duration `json:"window"`
	Total           int           `json:"total"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
	FailureRate     float64       `json:"failureRate"`
	DistinctClients int           `json:"distinctClients"`
	DistinctAdmins  int           `json:"distinctAdmins"`
}

func (tr *Tracker) Stats() Stats {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	cutoff := tr.now().Add(-statsWindow)
	s := Stats{Window: statsWindow}
	clients := make(map[string]struct{})
	admins := make(map[string]struct{})
	for i := range tr.events {
		ev := &tr.events[i]
		if ev.At.Before(cutoff) {
			continue
		}
		s.Total++
		if ev.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		clients[ev.ClientAddr] = struct{}{}
		admins[ev.AdminID] = struct{}{}
	}
	s.DistinctClients = len(clients)
	s.DistinctAdmins = len(admins)
	if s.Total > 0 {
		s.FailureRate = float64(s.Failed) / float64(s.Total)
	}
	return s
}

// ValidateSetupAttempt reports whether the account may generate another
// TOTP secret. Three setup events inside the window deny further
// generation. The count is per account: the client address is recorded
// with each attempt but switching addresses does not reset the count.
func (tr *Tracker) ValidateSetupAttempt(adminID, clientAddr string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	cutoff := tr.now().Add(-tr.window)
	setups := 0
	for i := range tr.events {
		ev := &tr.events[i]
		if ev.AdminID == adminID && ev.Action == ActionSetup && !ev.At.Before(cutoff) {
			setups++
		}
	}
	return setups < tr.setupLimit
}
