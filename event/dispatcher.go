package event

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
)

// Dispatcher delivers collaborator notifications off the request path. The
// engine posts after its transaction commits; a full buffer falls back to
// inline delivery rather than dropping the event.
type Dispatcher struct {
	name    string
	stop    chan struct{}
	wg      *sync.WaitGroup
	events  chan func()
	started bool
}

func NewDispatcher(name string, wg *sync.WaitGroup, capacity int) *Dispatcher {
	if capacity <= 0 {
		capacity = 256
	}
	return &Dispatcher{
		name:   name,
		stop:   make(chan struct{}),
		wg:     wg,
		events: make(chan func(), capacity),
	}
}

func (d *Dispatcher) Start() {
	d.started = true
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case deliver := <-d.events:
				deliver()
			case <-d.stop:
				for {
					select {
					case deliver := <-d.events:
						deliver()
					default:
						logger.Info("stopping event dispatcher", zap.String("dispatcher", d.name))
						return
					}
				}
			}
		}
	}()
}

func (d *Dispatcher) Post(deliver func()) {
	if !d.started {
		deliver()
		return
	}
	select {
	case d.events <- deliver:
	default:
		deliver()
	}
}

func (d *Dispatcher) Stop() {
	if d.started {
		d.stop <- struct{}{}
	}
}
