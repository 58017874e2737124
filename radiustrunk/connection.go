package radiustrunk

import (
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/francistor/radtrunk/core"
)

type connState int

const (
	connInit connState = iota
	connConnecting
	connStatusChecking
	connActive
	connZombie
	connDeadRevive
	connClosed
)

func (s connState) String() string {
	switch s {
	case connInit:
		return "init"
	case connConnecting:
		return "connecting"
	case connStatusChecking:
		return "status_checking"
	case connActive:
		return "active"
	case connZombie:
		return "zombie"
	case connDeadRevive:
		return "dead_revive"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// One socket towards the server, with its liveness state machine, its id
// tracker and its share of the request queues. All fields are owned by the
// trunk event loop, except recvBufLen which the read goroutine also checks
type connection struct {
	index int
	trunk *Trunk

	state connState
	sock  net.Conn

	// Grown on Response-Too-Big negotiation, read by the read goroutine
	recvBufLen atomic.Int32

	tracker *IdTracker

	// Assigned to this connection, not yet written
	pending entryHeap

	// Mid-write on a blocked stream socket
	partial *trunkEntry

	lastReply time.Time
	firstSent time.Time
	lastSent  time.Time
	lastIdle  time.Time

	// Sent time of the newest request that got a reply
	mrsTime time.Time

	zombieTimer *time.Timer
	reviveTimer *time.Timer

	statusCheck *statusCheckState

	writeBlocked bool

	// Incremented on every socket teardown so that messages from old read
	// goroutines and stale timers are recognized and dropped
	gen int
}

func newConnection(trunk *Trunk, index int) *connection {
	c := &connection{
		index:   index,
		trunk:   trunk,
		state:   connInit,
		tracker: NewIdTracker(),
	}
	c.recvBufLen.Store(int32(trunk.config.MaxPacketSize))
	if trunk.config.StatusCheckEnabled() {
		c.statusCheck = newStatusCheck(trunk, c)
	}
	return c
}

func (c *connection) setState(newState connState) {
	if c.state == newState {
		return
	}
	core.GetLogger().Infof("connection %s[%d] %s -> %s", c.trunk.config.Endpoint, c.index, c.state, newState)
	c.state = newState
	core.RecordTrunkConnectionTransition(c.trunk.config.Endpoint, newState.String())
}

// The connection takes regular requests
func (c *connection) usable() bool {
	return c.state == connActive
}

// The connection takes this particular entry. Probes are written also while
// status checking and while zombie
func (c *connection) canWrite(entry *trunkEntry) bool {
	if c.sock == nil || c.writeBlocked {
		return false
	}
	if entry.statusCheck {
		return c.state == connActive || c.state == connStatusChecking || c.state == connZombie
	}
	return c.state == connActive
}

// Outstanding requests in flight or waiting on this connection
func (c *connection) outstanding() int {
	count := c.tracker.InUse() + c.pending.Len()
	if c.partial != nil {
		count++
	}
	return count
}

func (c *connection) stopTimers() {
	if c.zombieTimer != nil {
		c.zombieTimer.Stop()
		c.zombieTimer = nil
	}
	if c.reviveTimer != nil {
		c.reviveTimer.Stop()
		c.reviveTimer = nil
	}
}

// Goroutine reading datagrams from the socket and posting them to the
// trunk event loop. In replicate mode everything read is discarded
func (c *connection) readLoopDatagram(sock net.Conn, gen int) {
	defer c.trunk.wg.Done()

	discard := c.trunk.config.Mode == core.MODE_REPLICATE
	for {
		buffer := make([]byte, c.recvBufLen.Load())
		n, err := sock.Read(buffer)
		if err != nil {
			c.trunk.post(readErrorMsg{conn: c, gen: gen, err: err})
			return
		}
		if discard {
			continue
		}
		c.trunk.post(readMsg{conn: c, gen: gen, packetBytes: buffer[:n]})
	}
}

// Same for stream transports, where packets must be reassembled from the
// header length
func (c *connection) readLoopStream(sock net.Conn, gen int) {
	defer c.trunk.wg.Done()

	discard := c.trunk.config.Mode == core.MODE_REPLICATE
	for {
		header := make([]byte, core.RADIUS_HEADER_LEN)
		if _, err := io.ReadFull(sock, header); err != nil {
			c.trunk.post(readErrorMsg{conn: c, gen: gen, err: err})
			return
		}
		packetLen := int(binary.BigEndian.Uint16(header[core.LENGTH_OFFSET : core.LENGTH_OFFSET+2]))
		if packetLen < core.RADIUS_HEADER_LEN || packetLen > core.MAX_PACKET_LEN {
			c.trunk.post(readErrorMsg{conn: c, gen: gen, err: io.ErrUnexpectedEOF})
			return
		}
		packetBytes := make([]byte, packetLen)
		copy(packetBytes, header)
		if _, err := io.ReadFull(sock, packetBytes[core.RADIUS_HEADER_LEN:]); err != nil {
			c.trunk.post(readErrorMsg{conn: c, gen: gen, err: err})
			return
		}
		if discard {
			continue
		}
		c.trunk.post(readMsg{conn: c, gen: gen, packetBytes: packetBytes})
	}
}
