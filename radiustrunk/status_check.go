package radiustrunk

import (
	"math"
	"time"

	"github.com/francistor/radtrunk/core"
)

// Default NAS-Identifier for probes when the template does not carry one
const defaultStatusCheckIdentifier = "status check - are you alive?"

// Liveness probing of one connection. The probe request is built once and
// reused across probes; each probe goes out with a fresh id and a fresh
// Event-Timestamp, and is never retransmitted as-is
type statusCheckState struct {
	conn  *connection
	entry *trunkEntry

	// Contiguous good replies in the current checking episode
	numReplies int

	// Replies needed to declare the connection alive
	repliesNeeded int
}

func newStatusCheck(trunk *Trunk, conn *connection) *statusCheckState {

	avps := make([]core.AVP, len(trunk.config.StatusCheckAVPs))
	copy(avps, trunk.config.StatusCheckAVPs)

	hasIdentifier := false
	for i := range avps {
		if avps[i].Name == "NAS-Identifier" {
			hasIdentifier = true
			break
		}
	}
	if !hasIdentifier {
		avps = append(avps, core.AVP{Name: "NAS-Identifier", Value: defaultStatusCheckIdentifier})
	}

	request := &Request{
		Code:     trunk.config.StatusCheckCode,
		AVPs:     avps,
		Priority: math.MaxUint32,
	}

	entry := &trunkEntry{
		request:     request,
		statusCheck: true,
		priority:    math.MaxUint32,
		// Status-Server must carry a Message-Authenticator
		requireMA:   trunk.config.StatusCheckCode == core.STATUS_SERVER,
		retryConfig: trunk.config.RetryConfigFor(trunk.config.StatusCheckCode),
		heapIndex:   -1,
	}

	return &statusCheckState{conn: conn, entry: entry}
}

// Starts a checking episode. One reply is enough when there has been no
// failure since the last successful connect, otherwise the configured
// number of contiguous replies is required
func (s *statusCheckState) begin(now time.Time) {
	trunk := s.conn.trunk

	s.numReplies = 0
	s.repliesNeeded = trunk.config.NumAnswersToAlive
	if trunk.lastFailed.IsZero() || trunk.lastFailed.Before(trunk.lastConnected) {
		s.repliesNeeded = 1
	}

	s.entry.retry = retryState{}
	s.resetForProbe(now)
}

// Makes the probe entry ready for its next send: the wire image is dropped
// so that a fresh id is reserved and the Event-Timestamp is refreshed
func (s *statusCheckState) resetForProbe(now time.Time) {
	entry := s.entry

	entry.dropEncoded()
	entry.state = stateInit
	entry.conn = s.conn
	entry.recvTime = now
	entry.isRetry = false

	replaced := false
	for i := range entry.request.AVPs {
		if entry.request.AVPs[i].Name == "Event-Timestamp" {
			entry.request.AVPs[i].Value = now
			replaced = true
			break
		}
	}
	if !replaced {
		entry.request.AVPs = append(entry.request.AVPs, core.AVP{Name: "Event-Timestamp", Value: now})
	}
}

// Called when the probe entry still holds resources and the episode is
// over, either successfully or because the connection failed
func (s *statusCheckState) release() {
	entry := s.entry

	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.timerGen++
	if entry.hasId() {
		s.conn.tracker.Release(entry.idEntry.Id)
		entry.idEntry = nil
	}
	s.conn.pending.remove(entry)
	entry.dropEncoded()
	entry.state = stateInit
}
