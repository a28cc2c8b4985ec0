package canif

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RxFrame tags a received frame with the device it was read from, so a
// consumer serving several devices can tell them apart.
type RxFrame struct {
	From  Target
	Frame Frame
}

// PumpConfig tunes the producer/consumer engine.
type PumpConfig struct {
	// QueueSize bounds the FIFO between producer and consumer. Must be
	// larger than the expected per-iteration burst; defaults to 64, the
	// queue depth the reference receiver uses for bursty traffic.
	QueueSize int
	// PollInterval is how long the producer sleeps when a pass over all
	// devices found nothing and no readiness signal arrives. Defaults to
	// 1ms, the minimum yield of the reference receiver.
	PollInterval time.Duration
}

const (
	defaultQueueSize    = 64
	defaultPollInterval = time.Millisecond
)

// Pump moves frames from device backends to a consumer callback through a
// bounded FIFO. One producer goroutine drains all currently available frames
// from each device in a tight loop, round-robin in registration order, so
// the time between "frame ready" and "frame removed from hardware" stays as
// short as possible; the consumer goroutine blocks on the queue and performs
// all higher-level processing.
//
// Enqueue is non-blocking: when the queue is full the newest frame is
// dropped and counted (drop-newest policy; Dropped reports the total). Order
// per device is preserved; across devices delivery is round-robin by device
// index, not globally time-ordered.
type Pump struct {
	client  *Client
	devs    []DeviceHandle
	handler func(RxFrame)

	queue   chan RxFrame
	notify  *Notifier
	poll    time.Duration
	dropped atomic.Uint64
}

// NewPump builds a pump over the given devices. The handler runs on the
// consumer goroutine.
func NewPump(client *Client, devs []DeviceHandle, handler func(RxFrame), cfg PumpConfig) *Pump {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Pump{
		client:  client,
		devs:    devs,
		handler: handler,
		queue:   make(chan RxFrame, cfg.QueueSize),
		notify:  NewNotifier(),
		poll:    cfg.PollInterval,
	}
}

// Notifier returns the readiness signal interrupt shims should raise. When
// no interrupt line is wired the producer falls back to polling at the
// configured interval.
func (p *Pump) Notifier() *Notifier { return p.notify }

// Dropped reports how many frames were discarded because the queue was full.
func (p *Pump) Dropped() uint64 { return p.dropped.Load() }

// Run starts the producer and consumer and blocks until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.produce(ctx) })
	g.Go(func() error { return p.consume(ctx) })
	return g.Wait()
}

func (p *Pump) produce(ctx context.Context) error {
	var f Frame
	for ctx.Err() == nil {
		drained := false
		for _, dev := range p.devs {
			target, ok := p.client.Registry().TargetOf(dev)
			if !ok {
				continue
			}
			// Drain everything currently pending on this device before
			// moving on; companion hardware buffers only two frames and
			// silently overwrites them when not emptied promptly.
			for {
				ok, err := p.client.Receive(dev, &f)
				if err != nil || !ok {
					break
				}
				p.enqueue(RxFrame{From: target, Frame: f})
				drained = true
			}
		}
		if !drained {
			p.notify.Wait(ctx, p.poll)
		}
	}
	return ctx.Err()
}

func (p *Pump) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rx := <-p.queue:
			if p.handler != nil {
				p.handler(rx)
			}
		}
	}
}

func (p *Pump) enqueue(rx RxFrame) {
	select {
	case p.queue <- rx:
	default:
		p.dropped.Add(1)
	}
}
