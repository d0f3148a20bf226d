// Package udpsession implements the udp_session probe
// and its Session Tracker, grounded on
// original_source/pidtree_bcc/probes/udp_session.py's three-event state
// machine keyed by socket pointer.
package udpsession

import (
	"sync"
	"time"

	"github.com/Yelp/pidtree-go/netutil"
	"github.com/Yelp/pidtree-go/types"
)

// Event types mirror the kernel program's SESSION_START/CONTINUE/END tags.
const (
	SessionStart = iota + 1
	SessionContinue
	SessionEnd
)

// RawEvent is the decoded udp_session kernel record.
type RawEvent struct {
	Type        int
	SockPointer uint64
	PID         int
	DAddr       uint32
	DPort       uint16
}

type destKey struct {
	daddr uint32
	dport uint16
}

type destAccum struct {
	firstSeen time.Time
	count     int
}

type sessionState struct {
	pid          int
	proctree     []types.ProcessInfo
	procErr      string
	destinations map[destKey]*destAccum
	lastUpdate   time.Time
	expireErr    string
}

// CrawlFunc resolves a pid's process ancestry; injected so the tracker
// does not depend directly on proctree.Crawl.
type CrawlFunc func(pid int) ([]types.ProcessInfo, error)

// Tracker implements the per-socket session state machine under a single
// mutex.
type Tracker struct {
	mu       sync.Mutex
	sessions map[uint64]*sessionState
	crawl    CrawlFunc
	now      func() time.Time
}

// NewTracker builds a Tracker using crawl to resolve process ancestry at
// session start.
func NewTracker(crawl CrawlFunc) *Tracker {
	return &Tracker{sessions: make(map[uint64]*sessionState), crawl: crawl, now: time.Now}
}

// Handle applies one raw event to the state machine and returns a
// finalized EnrichedEvent when a session ends.
func (t *Tracker) Handle(evt RawEvent) (types.EnrichedEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	switch evt.Type {
	case SessionStart:
		proctree, err := t.crawl(evt.PID)
		procErr := ""
		if err != nil {
			procErr = err.Error()
		}
		s := &sessionState{
			pid:          evt.PID,
			proctree:     proctree,
			procErr:      procErr,
			destinations: map[destKey]*destAccum{{daddr: evt.DAddr, dport: evt.DPort}: {firstSeen: now, count: 1}},
			lastUpdate:   now,
		}
		t.sessions[evt.SockPointer] = s
		return nil, false

	case SessionContinue:
		s, ok := t.sessions[evt.SockPointer]
		if !ok {
			return nil, false
		}
		key := destKey{daddr: evt.DAddr, dport: evt.DPort}
		if acc, ok := s.destinations[key]; ok {
			acc.count++
		} else {
			s.destinations[key] = &destAccum{firstSeen: now, count: 1}
		}
		s.lastUpdate = now
		return nil, false

	case SessionEnd:
		s, ok := t.sessions[evt.SockPointer]
		if !ok {
			return nil, false
		}
		delete(t.sessions, evt.SockPointer)
		return finalize(s, now), true
	}
	return nil, false
}

// ExpireStale marks sessions whose last update predates maxAge and
// returns their socket keys. The caller must subsequently call EndExpired
// for each key outside of any lock the caller itself holds: this method
// only marks, it does not emit.
func (t *Tracker) ExpireStale(maxAge time.Duration) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []uint64
	for key, s := range t.sessions {
		if now.Sub(s.lastUpdate) > maxAge {
			s.expireErr = "session_max_duration_exceeded"
			expired = append(expired, key)
		}
	}
	return expired
}

// EndExpired finalizes a session previously returned by ExpireStale,
// carrying over the expiration error rather than the normal END path's
// empty error.
func (t *Tracker) EndExpired(sockKey uint64) (types.EnrichedEvent, bool) {
	t.mu.Lock()
	s, ok := t.sessions[sockKey]
	if !ok {
		t.mu.Unlock()
		return nil, false
	}
	delete(t.sessions, sockKey)
	now := t.now()
	t.mu.Unlock()
	return finalize(s, now), true
}

func finalize(s *sessionState, now time.Time) types.EnrichedEvent {
	destinations := make([]map[string]interface{}, 0, len(s.destinations))
	for key, acc := range s.destinations {
		destinations = append(destinations, map[string]interface{}{
			"daddr":     netutil.IntToIP(key.daddr),
			"port":      key.dport,
			"duration":  now.Sub(acc.firstSeen).Seconds(),
			"msg_count": acc.count,
		})
	}
	errMsg := s.procErr
	if s.expireErr != "" {
		errMsg = s.expireErr
	}
	return types.EnrichedEvent{
		"pid":          s.pid,
		"proctree":     types.ProcTreeMaps(s.proctree),
		"destinations": destinations,
		"error":        errMsg,
	}
}

// SessionCount reports the number of sessions currently tracked, for
// tests and diagnostics.
func (t *Tracker) SessionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
