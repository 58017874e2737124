package radiustrunk

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/francistor/radtrunk/core"
)

const (
	StatusOperational = int32(0)
	StatusTerminated  = int32(1)
)

// Size of the event loop channel
const eventLoopCapacity = 1024

// Delay before re-trying a write that could not be completed on a stream
// socket. Go sockets have no writability callbacks, so blocked writes are
// polled
const writeRetryDelay = 10 * time.Millisecond

//////////////////////////////////////////////////////////////////////////////
// Event loop messages
//////////////////////////////////////////////////////////////////////////////

// Sent by the dispatcher with a freshly built entry
type enqueueRequestMsg struct {
	entry *trunkEntry
}

// Sent by the connect goroutine
type connectedMsg struct {
	conn *connection
	gen  int
	sock net.Conn
	err  error
}

// Sent by the read goroutine with one full packet
type readMsg struct {
	conn        *connection
	gen         int
	packetBytes []byte
}

// Sent by the read goroutine when the socket breaks
type readErrorMsg struct {
	conn *connection
	gen  int
	err  error
}

// Retransmission or probe timer fired
type entryTimerMsg struct {
	entry *trunkEntry
	gen   int
}

type zombieTimerMsg struct {
	conn *connection
	gen  int
}

type reviveTimerMsg struct {
	conn *connection
	gen  int
}

// Re-attempt a blocked stream write
type writeRetryMsg struct {
	conn *connection
	gen  int
}

// Caller abandoned the exchange
type cancelMsg struct {
	entry *trunkEntry
}

// Upstream duplicate arrived, in proxy mode
type dupMsg struct {
	entry *trunkEntry
}

type setDownMsg struct{}

type closeMsg struct{}

//////////////////////////////////////////////////////////////////////////////
// Trunk
//////////////////////////////////////////////////////////////////////////////

// Pool of connections towards one radius server. All the state is owned by
// a single event loop goroutine; sockets, timers and the dispatcher post
// messages into it
type Trunk struct {
	config  *core.TrunkConfig
	codec   core.Codec
	factory SocketFactory

	eventLoopChannel chan interface{}
	doneChannel      chan struct{}

	// Tracks the read and connect goroutines
	wg sync.WaitGroup

	connections []*connection

	// Accepted requests waiting for a connection with capacity
	backlog entryHeap

	lastFailed    time.Time
	lastConnected time.Time

	// A valid Message-Authenticator has been seen in a reply, relevant in
	// require_message_authenticator auto mode
	maObserved bool

	status int32
}

// Creates the trunk and starts connecting. The configuration must have
// been validated
func NewTrunk(config *core.TrunkConfig, codec core.Codec, factory SocketFactory) *Trunk {

	t := &Trunk{
		config:           config,
		codec:            codec,
		factory:          factory,
		eventLoopChannel: make(chan interface{}, eventLoopCapacity),
		doneChannel:      make(chan struct{}),
	}

	for i := 0; i < config.Connections; i++ {
		t.connections = append(t.connections, newConnection(t, i))
	}

	go t.eventLoop()

	for _, c := range t.connections {
		t.startConnect(c)
	}

	return t
}

// Posts a message to the event loop
func (t *Trunk) post(msg interface{}) {
	t.eventLoopChannel <- msg
}

// Starts the closure process. Outstanding exchanges are resumed with a
// failure
func (t *Trunk) SetDown() {
	t.post(setDownMsg{})
}

// Waits until all the goroutines are terminated. To be called after
// SetDown
func (t *Trunk) Close() {
	t.wg.Wait()
	t.post(closeMsg{})
	<-t.doneChannel
}

func (t *Trunk) eventLoop() {
	for msg := range t.eventLoopChannel {
		switch v := msg.(type) {

		case enqueueRequestMsg:
			t.handleEnqueue(v.entry, time.Now())

		case connectedMsg:
			t.handleConnected(v, time.Now())

		case readMsg:
			if v.gen == v.conn.gen && t.status == StatusOperational {
				t.handleRead(v.conn, v.packetBytes, time.Now())
			}

		case readErrorMsg:
			if v.gen == v.conn.gen && t.status == StatusOperational {
				core.GetLogger().Errorf("read error on %s[%d]: %s", t.config.Endpoint, v.conn.index, v.err)
				t.connectionFailed(v.conn, v.err, time.Now())
			}

		case entryTimerMsg:
			if v.gen == v.entry.timerGen && t.status == StatusOperational {
				if v.entry.statusCheck {
					t.handleProbeTimer(v.entry, time.Now())
				} else {
					t.handleRetryTimer(v.entry, time.Now())
				}
			}

		case zombieTimerMsg:
			if v.gen == v.conn.gen && t.status == StatusOperational && v.conn.state == connZombie {
				t.handleZombieExpiry(v.conn, time.Now())
			}

		case reviveTimerMsg:
			if v.gen == v.conn.gen && t.status == StatusOperational && v.conn.state == connDeadRevive {
				v.conn.reviveTimer = nil
				t.startConnect(v.conn)
			}

		case writeRetryMsg:
			if v.gen == v.conn.gen && t.status == StatusOperational {
				t.handleWriteRetry(v.conn, time.Now())
			}

		case cancelMsg:
			t.handleCancel(v.entry, time.Now())

		case dupMsg:
			t.handleDup(v.entry, time.Now())

		case setDownMsg:
			t.handleSetDown(time.Now())

		case closeMsg:
			close(t.doneChannel)
			return

		default:
			core.GetLogger().Errorf("unknown message type in trunk event loop: %T", v)
		}
	}
}

//////////////////////////////////////////////////////////////////////////////
// Enqueue and dispatch
//////////////////////////////////////////////////////////////////////////////

func (t *Trunk) handleEnqueue(entry *trunkEntry, now time.Time) {

	if t.status == StatusTerminated {
		t.failEntry(entry, core.ErrTrunkTerminated, now)
		return
	}

	if t.backlog.Len() >= t.config.MaxBacklog {
		t.failEntry(entry, core.ErrNoCapacity, now)
		return
	}

	allDead := true
	for _, c := range t.connections {
		if c.state != connDeadRevive && c.state != connClosed {
			allDead = false
			break
		}
	}
	if allDead {
		t.failEntry(entry, core.ErrDestinationUnavailable, now)
		return
	}

	if c := t.pickConnection(); c != nil {
		t.assignToConnection(entry, c, now)
	} else {
		entry.state = stateBacklog
		t.backlog.push(entry)
	}
}

// Among the active connections with capacity, the one with fewer requests
// on it
func (t *Trunk) pickConnection() *connection {
	var best *connection
	for _, c := range t.connections {
		if !c.usable() {
			continue
		}
		if c.pending.Len() >= t.config.MaxPendingPerConnection {
			continue
		}
		if best == nil || c.outstanding() < best.outstanding() {
			best = c
		}
	}
	return best
}

func (t *Trunk) assignToConnection(entry *trunkEntry, c *connection, now time.Time) {
	entry.conn = c
	entry.state = statePending
	c.pending.push(entry)
	t.dispatchConnection(c, now)
}

// Moves backlog entries onto connections while there is capacity
func (t *Trunk) drainBacklog(now time.Time) {
	for t.backlog.Len() > 0 {
		c := t.pickConnection()
		if c == nil {
			return
		}
		entry := t.backlog.pop()
		t.assignToConnection(entry, c, now)
	}
}

// Writes the pending queue of a connection in priority order until the
// socket blocks or capacity is exhausted
func (t *Trunk) dispatchConnection(c *connection, now time.Time) {
	for {
		if c.writeBlocked || c.sock == nil || c.partial != nil {
			return
		}
		top := c.pending.peek()
		if top == nil || !c.canWrite(top) {
			return
		}
		c.pending.pop()
		if !t.writeEntry(c, top, now) {
			return
		}
	}
}

// Puts one entry on the wire. Returns false when the connection cannot
// take more writes for now. On first write the id is reserved and the
// packet encoded; the wire image is kept for retransmissions
func (t *Trunk) writeEntry(c *connection, entry *trunkEntry, now time.Time) bool {

	if entry.encoded == nil {
		idEntry, err := c.tracker.Reserve(entry)
		if err != nil {
			// All 256 ids in flight. The entry waits at the top of the
			// pending queue
			entry.state = statePending
			c.pending.push(entry)
			return false
		}
		entry.idEntry = idEntry

		opts := core.EncodeOptions{
			AddMessageAuthenticator: entry.requireMA || t.requireMAActive(),
			MaxPacketSize:           t.config.MaxPacketSize,
		}
		if t.config.Mode == core.MODE_PROXY && len(t.config.ProxyState) > 0 && !entry.statusCheck {
			opts.ProxyState = t.config.ProxyState
		}

		packetBytes, authenticator, err := t.codec.Encode(entry.request.Code, idEntry.Id, entry.request.AVPs, entry.extra, opts)
		if err != nil {
			c.tracker.Release(idEntry.Id)
			entry.idEntry = nil
			core.GetLogger().Errorf("could not encode request for %s: %s", t.config.Endpoint, err)
			t.failEntry(entry, err, now)
			return true
		}
		entry.encoded = packetBytes
		entry.authenticator = authenticator
		c.tracker.Update(idEntry.Id, authenticator)
	}

	n, err := c.sock.Write(entry.encoded[entry.written:])
	if err != nil {
		if transientWriteError(err) || packetWriteError(err) {
			core.GetLogger().Errorf("write error for one request to %s: %s", t.config.Endpoint, err)
			t.failEntry(entry, err, now)
			return true
		}
		core.GetLogger().Errorf("fatal write error to %s: %s", t.config.Endpoint, err)
		t.connectionFailed(c, err, now)
		return false
	}

	if n == 0 && entry.written == 0 {
		// Nothing went out. Try again later
		entry.state = statePending
		c.pending.push(entry)
		return false
	}

	entry.written += n
	if entry.written < len(entry.encoded) {
		entry.state = statePartial
		c.partial = entry
		c.writeBlocked = true
		gen := c.gen
		time.AfterFunc(writeRetryDelay, func() { t.post(writeRetryMsg{conn: c, gen: gen}) })
		return false
	}

	t.entrySent(c, entry, now)
	return true
}

// Bookkeeping after a complete write
func (t *Trunk) entrySent(c *connection, entry *trunkEntry, now time.Time) {

	// A send after an idle period starts a new activity window
	if c.firstSent.IsZero() || (!c.lastIdle.IsZero() && c.lastIdle.After(c.firstSent)) {
		c.firstSent = now
	}
	c.lastSent = now

	if entry.statusCheck {
		core.RecordTrunkStatusCheck(t.config.Endpoint)
	} else {
		core.RecordTrunkRequest(t.config.Endpoint, strconv.Itoa(int(entry.request.Code)))
	}

	// Replicate mode never waits for answers
	if t.config.Mode == core.MODE_REPLICATE {
		t.completeEntry(entry, Result{Code: core.RESULT_OK}, stateComplete, now)
		return
	}

	entry.state = stateSent
	if entry.retry.count == 0 {
		entry.retry = newRetryState(entry.retryConfig, now)
	}
	t.armEntryTimer(entry, entry.retry.untilNext(now))
}

func (t *Trunk) armEntryTimer(entry *trunkEntry, interval time.Duration) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timerGen++
	gen := entry.timerGen
	entry.timer = time.AfterFunc(interval, func() { t.post(entryTimerMsg{entry: entry, gen: gen}) })
}

//////////////////////////////////////////////////////////////////////////////
// Retransmission
//////////////////////////////////////////////////////////////////////////////

func (t *Trunk) handleRetryTimer(entry *trunkEntry, now time.Time) {

	if entry.state.terminal() {
		return
	}

	outcome := entry.retry.nextOutcome(now)
	if outcome != retryContinue {
		core.GetLogger().Debugf("request to %s timed out after %d tries (%s)", t.config.Endpoint, entry.retry.count-1, outcome.String())
		core.RecordTrunkTimeout(t.config.Endpoint, strconv.Itoa(int(entry.request.Code)))
		conn := entry.conn
		lastSent := time.Time{}
		if conn != nil {
			lastSent = conn.lastSent
		}
		t.failEntry(entry, fmt.Errorf("no answer after %d tries", entry.retry.count-1), now)
		if t.config.Mode != core.MODE_REPLICATE && conn != nil {
			t.checkForZombie(conn, now, lastSent)
		}
		return
	}

	// Only entries already fully on the wire are retransmitted. Entries
	// waiting in a queue or behind a blocked socket keep their schedule
	// running without touching the wire
	if entry.state == stateSent && entry.conn != nil && !entry.conn.writeBlocked && entry.conn.sock != nil {
		t.retransmit(entry, now, "timer")
	}

	t.armEntryTimer(entry, entry.retry.untilNext(now))
}

// Re-emits the wire image of a sent entry. The id is not re-reserved and
// the bytes are identical to the first transmission
func (t *Trunk) retransmit(entry *trunkEntry, now time.Time, reason string) {

	c := entry.conn
	entry.isRetry = true

	core.GetLogger().Debugf("retransmitting id %d to %s (%s)", entry.idEntry.Id, t.config.Endpoint, reason)

	if _, err := c.sock.Write(entry.encoded); err != nil {
		if transientWriteError(err) || packetWriteError(err) {
			core.GetLogger().Debugf("retransmission to %s skipped: %s", t.config.Endpoint, err)
			return
		}
		t.connectionFailed(c, err, now)
		return
	}

	c.lastSent = now
	core.RecordTrunkRetransmission(t.config.Endpoint, strconv.Itoa(int(entry.request.Code)))
}

func (o retryOutcome) String() string {
	switch o {
	case retryMRC:
		return "mrc exceeded"
	case retryMRD:
		return "mrd exceeded"
	default:
		return "continue"
	}
}

//////////////////////////////////////////////////////////////////////////////
// Read path
//////////////////////////////////////////////////////////////////////////////

func (t *Trunk) handleRead(c *connection, packetBytes []byte, now time.Time) {

	if len(packetBytes) < core.RADIUS_HEADER_LEN {
		core.GetLogger().Warnf("short packet of %d bytes from %s", len(packetBytes), t.config.Endpoint)
		core.RecordTrunkResponseDrop(t.config.Endpoint)
		return
	}
	declaredLen := int(packetBytes[core.LENGTH_OFFSET])<<8 + int(packetBytes[core.LENGTH_OFFSET+1])
	if declaredLen < core.RADIUS_HEADER_LEN || declaredLen > len(packetBytes) {
		core.GetLogger().Warnf("truncated packet from %s: declared %d got %d", t.config.Endpoint, declaredLen, len(packetBytes))
		core.RecordTrunkResponseDrop(t.config.Endpoint)
		return
	}

	id := packetBytes[core.ID_OFFSET]
	entry := c.tracker.Find(id)
	if entry == nil {
		// Late answer to a request already completed or timed out
		core.GetLogger().Debugf("stalled response with id %d from %s", id, t.config.Endpoint)
		core.RecordTrunkResponseStalled(t.config.Endpoint)
		return
	}

	decoded, err := t.codec.Decode(packetBytes[:declaredLen], c.tracker.Authenticator(id), t.requireMADecode(entry))
	if err != nil {
		core.GetLogger().Warnf("dropped response with id %d from %s: %s", id, t.config.Endpoint, err)
		core.RecordTrunkResponseDrop(t.config.Endpoint)
		return
	}

	if decoded.MessageAuthenticatorValid {
		t.observeMessageAuthenticator()
	}

	c.lastReply = now
	if entry.retry.updated.After(c.mrsTime) {
		c.mrsTime = entry.retry.updated
	}

	if entry.statusCheck {
		t.handleProbeReply(c, decoded, packetBytes[:declaredLen], now)
		return
	}

	core.RecordTrunkResponse(t.config.Endpoint, strconv.Itoa(int(decoded.Code)))

	resultCode := core.ResultCodeForResponse(decoded.Code)
	if decoded.Code == core.PROTOCOL_ERROR {
		resultCode = t.handleProtocolError(c, entry, packetBytes[:declaredLen])
	}

	avps := decoded.AVPs
	if t.config.Mode == core.MODE_PROXY && len(t.config.ProxyState) > 0 {
		avps = stripProxyState(avps)
	}

	result := Result{Code: resultCode, ResponseCode: decoded.Code, ResponseAVPs: avps}
	if resultCode == core.RESULT_FAIL {
		t.completeEntry(entry, result, stateFailed, now)
	} else {
		t.completeEntry(entry, result, stateComplete, now)
	}
}

// Protocol-Error negotiation. A Response-Too-Big hint grows the receive
// buffer; a mismatched Original-Packet-Code invalidates the answer
func (t *Trunk) handleProtocolError(c *connection, entry *trunkEntry, packetBytes []byte) core.ResultCode {

	info, err := core.ParseProtocolError(packetBytes)
	if err != nil {
		core.GetLogger().Warnf("bad Protocol-Error from %s: %s", t.config.Endpoint, err)
		return core.RESULT_FAIL
	}

	if info.HasOriginalCode && info.OriginalPacketCode != entry.request.Code {
		core.GetLogger().Warnf("Protocol-Error from %s for code %d does not match request code %d",
			t.config.Endpoint, info.OriginalPacketCode, entry.request.Code)
		return core.RESULT_FAIL
	}

	if info.ResponseTooBig && info.ResponseLength > 0 {
		t.growReceiveBuffer(c, info.ResponseLength)
	}

	return core.RESULT_HANDLED
}

func (t *Trunk) growReceiveBuffer(c *connection, responseLength int) {
	newLen := int32(core.ClampResponseLength(responseLength))
	if newLen > c.recvBufLen.Load() {
		core.GetLogger().Infof("growing receive buffer of %s[%d] to %d bytes", t.config.Endpoint, c.index, newLen)
		c.recvBufLen.Store(newLen)
	}
}

func stripProxyState(avps []core.AVP) []core.AVP {
	stripped := make([]core.AVP, 0, len(avps))
	for i := range avps {
		if avps[i].Name != "Proxy-State" {
			stripped = append(stripped, avps[i])
		}
	}
	return stripped
}

//////////////////////////////////////////////////////////////////////////////
// Status checks
//////////////////////////////////////////////////////////////////////////////

// Enters the status checking state and puts the first probe on this
// specific connection, bypassing the normal connection choice
func (t *Trunk) statusCheckBegin(c *connection, now time.Time) {
	c.setState(connStatusChecking)
	c.statusCheck.begin(now)
	t.sendProbe(c, now)
}

func (t *Trunk) sendProbe(c *connection, now time.Time) {
	entry := c.statusCheck.entry
	entry.state = statePending
	c.pending.push(entry)
	t.dispatchConnection(c, now)
}

// Any decodable reply counts, regardless of its code
func (t *Trunk) handleProbeReply(c *connection, decoded *core.DecodedPacket, packetBytes []byte, now time.Time) {

	sc := c.statusCheck
	entry := sc.entry

	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.timerGen++
	if entry.hasId() {
		c.tracker.Release(entry.idEntry.Id)
		entry.idEntry = nil
	}
	entry.dropEncoded()
	entry.state = stateInit

	if decoded.Code == core.PROTOCOL_ERROR {
		if info, err := core.ParseProtocolError(packetBytes); err == nil && info.ResponseTooBig && info.ResponseLength > 0 {
			t.growReceiveBuffer(c, info.ResponseLength)
		}
	}

	sc.numReplies++
	core.GetLogger().Debugf("status check reply %d/%d from %s[%d]", sc.numReplies, sc.repliesNeeded, t.config.Endpoint, c.index)

	if sc.numReplies >= sc.repliesNeeded {
		t.becomeActive(c, now)
	} else {
		sc.resetForProbe(now)
		t.sendProbe(c, now)
	}
}

// A probe timed out. The contiguous reply count starts over and the next
// probe goes out with a fresh id, until the probe schedule is exhausted
func (t *Trunk) handleProbeTimer(entry *trunkEntry, now time.Time) {

	c := entry.conn
	if c == nil || c.statusCheck == nil || entry.state != stateSent {
		return
	}
	sc := c.statusCheck
	sc.numReplies = 0

	outcome := entry.retry.nextOutcome(now)
	if outcome != retryContinue {
		core.GetLogger().Warnf("status checks to %s[%d] exhausted (%s)", t.config.Endpoint, c.index, outcome.String())
		t.connectionFailed(c, fmt.Errorf("status checks unanswered"), now)
		return
	}

	if entry.hasId() {
		c.tracker.Release(entry.idEntry.Id)
		entry.idEntry = nil
	}
	sc.resetForProbe(now)
	t.sendProbe(c, now)
}

func (t *Trunk) becomeActive(c *connection, now time.Time) {
	c.statusCheck.release()
	c.stopTimers()
	c.setState(connActive)
	t.lastConnected = now
	t.drainBacklog(now)
	t.dispatchConnection(c, now)
}

//////////////////////////////////////////////////////////////////////////////
// Zombie detection and failure
//////////////////////////////////////////////////////////////////////////////

// Decides whether the connection must be treated as zombie, and starts the
// zombie machinery if so
func (t *Trunk) checkForZombie(c *connection, now time.Time, lastSent time.Time) bool {

	if c.state == connStatusChecking || c.state == connZombie || c.zombieTimer != nil {
		return true
	}

	// Evidence of life since the last send
	if !c.lastReply.Before(lastSent) {
		return false
	}

	if t.config.Mode == core.MODE_PROXY {
		if lastSent.IsZero() || now.Sub(lastSent) < t.config.ResponseWindow {
			return false
		}
	}

	core.GetLogger().Warnf("connection %s[%d] is zombie", t.config.Endpoint, c.index)
	c.setState(connZombie)
	t.lastFailed = now

	if t.config.StatusCheckEnabled() {
		t.statusCheckBegin(c, now)
	} else {
		gen := c.gen
		c.zombieTimer = time.AfterFunc(t.config.ZombiePeriod, func() { t.post(zombieTimerMsg{conn: c, gen: gen}) })
	}

	return true
}

// The zombie period elapsed without recovery. Outstanding requests move to
// the other connections and this one either reconnects or waits for the
// revive interval
func (t *Trunk) handleZombieExpiry(c *connection, now time.Time) {
	c.zombieTimer = nil
	t.requeueOutstanding(c, now)
	if t.config.StatusCheckEnabled() {
		t.teardownSocket(c)
		t.startConnect(c)
	} else {
		t.teardownSocket(c)
		c.setState(connDeadRevive)
		t.armReviveTimer(c)
	}
}

func (t *Trunk) armReviveTimer(c *connection) {
	gen := c.gen
	c.reviveTimer = time.AfterFunc(t.config.ReviveInterval, func() { t.post(reviveTimerMsg{conn: c, gen: gen}) })
}

// A socket level failure. Outstanding requests are moved away and a
// reconnection is attempted right away
func (t *Trunk) connectionFailed(c *connection, err error, now time.Time) {
	t.lastFailed = now
	t.teardownSocket(c)
	t.requeueOutstanding(c, now)
	t.startConnect(c)
}

func (t *Trunk) teardownSocket(c *connection) {
	c.gen++
	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
	c.writeBlocked = false
	c.stopTimers()
}

// Empties all the queues of a connection. Requests go back to the backlog
// when some other connection may still serve them, and fail otherwise. The
// wire images are dropped because the ids belong to the dead connection
func (t *Trunk) requeueOutstanding(c *connection, now time.Time) {

	if c.statusCheck != nil {
		c.statusCheck.release()
	}

	var displaced []*trunkEntry
	c.tracker.Each(func(idEntry *IdEntry) {
		displaced = append(displaced, idEntry.entry)
	})
	if c.partial != nil && c.partial != c.statusCheckEntry() {
		displaced = append(displaced, c.partial)
		c.partial = nil
	}
	for c.pending.Len() > 0 {
		entry := c.pending.pop()
		if entry != c.statusCheckEntry() {
			displaced = append(displaced, entry)
		}
	}

	siblingAlive := false
	for _, sibling := range t.connections {
		if sibling != c && sibling.state != connDeadRevive && sibling.state != connClosed {
			siblingAlive = true
			break
		}
	}

	for _, entry := range displaced {
		if entry.state.terminal() {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.timerGen++
		if entry.hasId() {
			c.tracker.Release(entry.idEntry.Id)
			entry.idEntry = nil
		}
		entry.dropEncoded()
		entry.conn = nil

		if siblingAlive {
			entry.state = stateBacklog
			t.backlog.push(entry)
			core.RecordTrunkRequestRequeued(t.config.Endpoint)
		} else {
			t.failEntry(entry, core.ErrDestinationUnavailable, now)
		}
	}

	t.drainBacklog(now)
}

func (c *connection) statusCheckEntry() *trunkEntry {
	if c.statusCheck == nil {
		return nil
	}
	return c.statusCheck.entry
}

//////////////////////////////////////////////////////////////////////////////
// Connect flow
//////////////////////////////////////////////////////////////////////////////

func (t *Trunk) startConnect(c *connection) {
	c.setState(connConnecting)
	gen := c.gen
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		sock, err := t.factory.Dial(t.config.Transport, t.config.Endpoint)
		t.post(connectedMsg{conn: c, gen: gen, sock: sock, err: err})
	}()
}

func (t *Trunk) handleConnected(msg connectedMsg, now time.Time) {
	c := msg.conn

	if msg.gen != c.gen || t.status == StatusTerminated {
		if msg.sock != nil {
			msg.sock.Close()
		}
		return
	}

	if msg.err != nil {
		core.GetLogger().Errorf("could not connect to %s: %s", t.config.Endpoint, msg.err)
		t.lastFailed = now
		c.setState(connDeadRevive)
		t.armReviveTimer(c)
		return
	}

	c.sock = msg.sock
	c.writeBlocked = false
	t.wg.Add(1)
	if t.config.Transport == "tcp" {
		go c.readLoopStream(c.sock, c.gen)
	} else {
		go c.readLoopDatagram(c.sock, c.gen)
	}

	if t.config.StatusCheckEnabled() {
		t.statusCheckBegin(c, now)
	} else {
		c.setState(connActive)
		t.lastConnected = now
		t.drainBacklog(now)
	}
}

//////////////////////////////////////////////////////////////////////////////
// Cancellation, duplicates, completion
//////////////////////////////////////////////////////////////////////////////

func (t *Trunk) handleCancel(entry *trunkEntry, now time.Time) {

	if entry.state.terminal() {
		return
	}

	// A cancel mid-write corrupts a stream socket
	reconnect := entry.state == statePartial && t.config.Transport == "tcp"
	c := entry.conn

	t.completeEntry(entry, Result{Code: core.RESULT_FAIL, Err: errors.New("cancelled by the caller")}, stateCancelled, now)

	if reconnect && c != nil {
		t.connectionFailed(c, errors.New("request cancelled mid-write"), now)
	}
}

// An upstream duplicate arrived. In proxy mode the duplicate drives our
// retransmission, in the other modes the schedule is ours alone
func (t *Trunk) handleDup(entry *trunkEntry, now time.Time) {

	if t.config.Mode != core.MODE_PROXY {
		return
	}
	if entry.state != stateSent || entry.conn == nil {
		return
	}
	c := entry.conn
	if c.writeBlocked || c.sock == nil {
		return
	}

	entry.isRetry = true
	t.checkForZombie(c, now, c.lastSent)
	if c.sock != nil {
		t.retransmit(entry, now, "dup")
	}
}

func (t *Trunk) handleWriteRetry(c *connection, now time.Time) {
	c.writeBlocked = false
	if c.partial != nil {
		entry := c.partial
		c.partial = nil
		if !t.writeEntry(c, entry, now) {
			return
		}
	}
	t.dispatchConnection(c, now)
}

// Single point where an exchange terminates. Guarantees exactly one resume
// per entry and the release of its resources
func (t *Trunk) completeEntry(entry *trunkEntry, result Result, finalState entryState, now time.Time) {

	if entry.state.terminal() {
		return
	}

	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	entry.timerGen++

	if c := entry.conn; c != nil {
		if entry.hasId() {
			c.tracker.Release(entry.idEntry.Id)
			entry.idEntry = nil
		}
		c.pending.remove(entry)
		if c.partial == entry {
			c.partial = nil
			c.writeBlocked = false
		}
		if c.tracker.InUse() == 0 {
			c.lastIdle = now
		}
	}
	t.backlog.remove(entry)

	entry.state = finalState

	if entry.exchange != nil {
		entry.exchange.deliver(result)
	}
}

func (t *Trunk) failEntry(entry *trunkEntry, err error, now time.Time) {
	t.completeEntry(entry, Result{Code: core.RESULT_FAIL, Err: err}, stateFailed, now)
}

//////////////////////////////////////////////////////////////////////////////
// Message-Authenticator policy
//////////////////////////////////////////////////////////////////////////////

func (t *Trunk) requireMAActive() bool {
	switch t.config.RequireMessageAuthenticator {
	case core.REQUIRE_MA_YES:
		return true
	case core.REQUIRE_MA_AUTO:
		return t.maObserved
	default:
		return false
	}
}

func (t *Trunk) requireMADecode(entry *trunkEntry) bool {
	return entry.requireMA || t.requireMAActive()
}

// In auto mode, one valid Message-Authenticator upgrades the requirement
// for good
func (t *Trunk) observeMessageAuthenticator() {
	if t.config.RequireMessageAuthenticator == core.REQUIRE_MA_AUTO && !t.maObserved {
		core.GetLogger().Infof("valid Message-Authenticator seen from %s, now required", t.config.Endpoint)
		t.maObserved = true
	}
}

//////////////////////////////////////////////////////////////////////////////
// Shutdown
//////////////////////////////////////////////////////////////////////////////

func (t *Trunk) handleSetDown(now time.Time) {

	if t.status == StatusTerminated {
		return
	}
	t.status = StatusTerminated

	for _, c := range t.connections {
		t.teardownSocket(c)
		if c.statusCheck != nil {
			c.statusCheck.release()
		}

		var outstanding []*trunkEntry
		c.tracker.Each(func(idEntry *IdEntry) {
			outstanding = append(outstanding, idEntry.entry)
		})
		if c.partial != nil {
			outstanding = append(outstanding, c.partial)
			c.partial = nil
		}
		for c.pending.Len() > 0 {
			outstanding = append(outstanding, c.pending.pop())
		}
		for _, entry := range outstanding {
			if entry.statusCheck {
				continue
			}
			t.failEntry(entry, core.ErrTrunkTerminated, now)
		}

		c.setState(connClosed)
	}

	for t.backlog.Len() > 0 {
		t.failEntry(t.backlog.pop(), core.ErrTrunkTerminated, now)
	}
}

//////////////////////////////////////////////////////////////////////////////
// Write error classification
//////////////////////////////////////////////////////////////////////////////

// Errors that fail one request without tearing down the connection
func transientWriteError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ENOBUFS) ||
		errors.Is(err, syscall.ENOMEM)
}

// The datagram does not fit in the path. Also fails only the request
func packetWriteError(err error) bool {
	return errors.Is(err, syscall.EMSGSIZE)
}
