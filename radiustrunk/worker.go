package radiustrunk

import (
	"github.com/francistor/radtrunk/core"
)

// Binds one trunk and its dispatcher, which is the unit a caller thread
// works with. All requests submitted through the same worker go to the
// same server
type Worker struct {
	trunk      *Trunk
	dispatcher *Dispatcher
}

func NewWorker(config *core.TrunkConfig, codec core.Codec, factory SocketFactory) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = &NetSocketFactory{}
	}
	trunk := NewTrunk(config, codec, factory)
	return &Worker{
		trunk:      trunk,
		dispatcher: NewDispatcher(trunk),
	}, nil
}

func (w *Worker) Dispatcher() *Dispatcher {
	return w.dispatcher
}

// Starts the closure process. Outstanding exchanges are resumed with a
// failure
func (w *Worker) SetDown() {
	w.trunk.SetDown()
}

// Waits for full termination. To be called after SetDown
func (w *Worker) Close() {
	w.trunk.Close()
}
