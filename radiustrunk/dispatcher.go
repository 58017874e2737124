package radiustrunk

import (
	"time"

	"github.com/francistor/radtrunk/core"
)

// Handle given to the caller for one submitted request. The result arrives
// on the channel passed to Send, which is closed just after delivery
type Exchange struct {
	rchan chan Result
	trunk *Trunk
	entry *trunkEntry
}

// Abandons the exchange. The result channel still receives exactly one
// result, with FAIL
func (e *Exchange) Cancel() {
	if e.entry == nil {
		return
	}
	e.trunk.post(cancelMsg{entry: e.entry})
}

// Reports that the upstream client retransmitted the packet being proxied.
// Only meaningful in proxy mode, ignored otherwise
func (e *Exchange) SignalDup() {
	if e.entry == nil {
		return
	}
	e.trunk.post(dupMsg{entry: e.entry})
}

// Delivered exactly once per exchange, from the trunk event loop
func (e *Exchange) deliver(result Result) {
	e.rchan <- result
	close(e.rchan)
}

// Entry point for callers of a trunk. Builds the internal entries and posts
// them to the event loop
type Dispatcher struct {
	trunk *Trunk
}

func NewDispatcher(trunk *Trunk) *Dispatcher {
	return &Dispatcher{trunk: trunk}
}

// Submits a request. The result is sent to rchan, which must be buffered,
// and the channel is closed afterwards. Status-Server is reserved for the
// internal liveness probes and codes outside the allowed list are rejected,
// both with NOOP
func (d *Dispatcher) Send(request *Request, rchan chan Result) *Exchange {
	if cap(rchan) < 1 {
		panic("using an unbuffered response channel")
	}

	exchange := &Exchange{rchan: rchan, trunk: d.trunk}
	config := d.trunk.config

	if request.Code == core.STATUS_SERVER || !config.CodeAllowed(request.Code) {
		exchange.deliver(Result{Code: core.RESULT_NOOP})
		return exchange
	}

	// A caller provided Message-Authenticator only forces one to be
	// generated at encode time. The value itself is discarded
	requireMA := false
	avps := request.AVPs
	for i := range avps {
		if avps[i].Name == "Message-Authenticator" {
			requireMA = true
			avps = append(append(make([]core.AVP, 0, len(avps)-1), avps[:i]...), avps[i+1:]...)
			break
		}
	}
	request.AVPs = avps

	proxied := false
	var retryConfig core.RetryConfig
	switch {
	case config.Mode == core.MODE_PROXY && request.Proxied:
		// Retransmissions are driven by the upstream duplicates
		proxied = true
		retryConfig = config.TimeoutRetry
	case config.Mode == core.MODE_REPLICATE || config.Transport == "tcp":
		retryConfig = config.TimeoutRetry
	default:
		retryConfig = config.RetryConfigFor(request.Code)
	}

	entry := &trunkEntry{
		request:     request,
		exchange:    exchange,
		requireMA:   requireMA,
		proxied:     proxied,
		priority:    request.Priority,
		recvTime:    time.Now(),
		retryConfig: retryConfig,
		heapIndex:   -1,
	}
	exchange.entry = entry

	d.trunk.post(enqueueRequestMsg{entry: entry})
	return exchange
}
