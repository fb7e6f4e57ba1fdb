package event

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const DefaultQueueSize = 1024

// Producer is the worker-side event queue. Emit never blocks the caller:
// when the queue is full the oldest queued event is evicted so the producer
// keeps running at the cost of log completeness. Consumers see events in
// emit order, with gaps in Seq where evictions happened.
type Producer struct {
	log *zap.SugaredLogger
	ch  chan Event

	seq     uint64
	dropped uint64
}

func NewProducer(log *zap.SugaredLogger, queueSize int) *Producer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Producer{
		log: log.Named("event_producer"),
		ch:  make(chan Event, queueSize),
	}
}

// Emit stamps the event and enqueues it without blocking.
func (p *Producer) Emit(e Event) {
	e.Seq = atomic.AddUint64(&p.seq, 1)
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	select {
	case p.ch <- e:
		return
	default:
	}

	// Queue full: evict the oldest and retry once. The retry can still lose
	// to a concurrent Emit, in which case this event is the one dropped.
	select {
	case <-p.ch:
		atomic.AddUint64(&p.dropped, 1)
	default:
	}
	select {
	case p.ch <- e:
	default:
		atomic.AddUint64(&p.dropped, 1)
	}
}

// Events is the drain side of the queue. Only one consumer may read from it.
func (p *Producer) Events() <-chan Event {
	return p.ch
}

// Dropped reports how many events were evicted under overflow.
func (p *Producer) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}
