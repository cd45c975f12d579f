// Package dispatch implements the optional multi-subscriber fan-out of
// pipeline messages to named external sinks (spec §4.3). Dispatch is
// strictly after durability: only the durable-sink actor (ingest.Runner)
// ever feeds the Dispatcher's mailbox.
package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/koushiro/substrate-archive-go/log"
	"github.com/koushiro/substrate-archive-go/message"
	"github.com/koushiro/substrate-archive-go/metrics"
)

// Subscriber is one named external transport a Dispatcher fans out to.
type Subscriber interface {
	Name() string
	Send(ctx context.Context, msg message.Msg) error
	Close()
}

// Dispatcher holds one list of subscribers and fans out every message,
// Die included, to all of them concurrently; there is no per-kind
// subscription, so every subscriber receives every message kind. A failed
// send is logged with the subscriber's name and the message's
// identifying field, and never aborts delivery to other subscribers
// (spec §4.3).
type Dispatcher struct {
	mailbox     chan message.Msg
	subscribers []Subscriber
	limiters    map[string]*rate.Limiter
	log         log.Logger
	started     bool
}

// New returns an empty Dispatcher. Use Add to register subscribers
// before calling Start; adding a subscriber after Start is unsafe (spec
// §4.3: "Adding a subscriber is not thread-safe with dispatch").
func New() *Dispatcher {
	return &Dispatcher{
		mailbox:  make(chan message.Msg, 256),
		limiters: make(map[string]*rate.Limiter),
		log:      log.New("component", "dispatcher"),
	}
}

// Add registers a subscriber with a publish-attempt rate limit: at most
// ratePerSec sends per second, bursting up to burst. With ratePerSec <= 0
// no limiter is installed. The limiter only paces sends; it does not
// put a time bound on a single publish.
func (d *Dispatcher) Add(sub Subscriber, ratePerSec float64, burst int) {
	if d.started {
		panic("dispatch: Add called after Start")
	}
	d.subscribers = append(d.subscribers, sub)
	if ratePerSec > 0 {
		d.limiters[sub.Name()] = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
}

// Mailbox returns the channel upstream actors (the durable sink) send
// messages into.
func (d *Dispatcher) Mailbox() chan<- message.Msg { return d.mailbox }

// Start runs the dispatcher's receive loop until a Die message arrives
// or ctx is cancelled, then closes every subscriber.
func (d *Dispatcher) Start(ctx context.Context) {
	d.started = true
	go d.run(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.mailbox:
			if msg.Kind == message.KindDie {
				d.dispatch(ctx, msg)
				return
			}
			d.dispatch(ctx, msg)
		}
	}
}

func (d *Dispatcher) closeAll() {
	for _, sub := range d.subscribers {
		sub.Close()
	}
}

// dispatch sends msg to every subscriber concurrently, waiting for all
// sends to finish (or fail) before returning, so that Die is only acted
// on once every prior message has been attempted.
func (d *Dispatcher) dispatch(ctx context.Context, msg message.Msg) {
	if len(d.subscribers) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, sub := range d.subscribers {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lim, ok := d.limiters[sub.Name()]; ok {
				if err := lim.Wait(ctx); err != nil {
					metrics.DispatchFailures.WithLabelValues(sub.Name()).Inc()
					d.log.Error("dispatch rate limit wait failed", "subscriber", sub.Name(), "kind", msg.Kind.String(), "identity", identity(msg), "err", err)
					return
				}
			}
			if err := sub.Send(ctx, msg); err != nil {
				metrics.DispatchFailures.WithLabelValues(sub.Name()).Inc()
				d.log.Error("dispatch send failed", "subscriber", sub.Name(), "kind", msg.Kind.String(), "identity", identity(msg), "err", err)
			}
		}()
	}
	wg.Wait()
}

// identity returns the message's identifying field (height or
// spec-version) for log context, per spec §4.3.
func identity(msg message.Msg) any {
	switch msg.Kind {
	case message.KindMetadata:
		return msg.Metadata.SpecVersion
	case message.KindBlock:
		return msg.Block.Record.BlockNum
	case message.KindBatchBlock:
		if len(msg.BatchBlock) == 0 {
			return nil
		}
		return msg.BatchBlock[len(msg.BatchBlock)-1].Record.BlockNum
	case message.KindFinalized:
		return msg.Finalized.BlockNum
	default:
		return nil
	}
}
