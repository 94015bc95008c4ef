package geodecode

import (
	"time"

	"velotrace/pkg/engine"
)

// Request is one decode batch. IDs must be strictly increasing per caller;
// the worker does not interpret them beyond echoing them back.
type Request struct {
	ID   uint64
	Rows []engine.EncodedRow
}

// Response carries the decoded batch back with the id it answers.
type Response struct {
	ID      uint64
	Rows    []DecodedRow
	Skipped int
	Took    time.Duration
}

// Decoder owns the off-thread decode goroutine. The caller submits
// requests and reads responses from Results, accepting only the response
// whose id matches the last request it issued. The worker always finishes
// a batch it has started; stale work is wasted CPU, not a correctness
// problem, and skipping true cancellation keeps the protocol to two plain
// messages.
type Decoder struct {
	requests chan Request
	results  chan Response
	done     chan struct{}
	finished chan struct{}
}

// NewDecoder starts the worker. The results channel is buffered so the
// worker never blocks on a consumer that has moved on to a newer request.
func NewDecoder() *Decoder {
	d := &Decoder{
		requests: make(chan Request, 4),
		results:  make(chan Response, 4),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go d.run()
	return d
}

// Submit queues a batch. If the worker's inbox is full the oldest queued
// request is abandoned in favor of the new one, since only the newest id
// will be accepted anyway.
func (d *Decoder) Submit(req Request) {
	for {
		select {
		case <-d.done:
			return
		case d.requests <- req:
			return
		default:
			// Inbox full: drop the oldest queued batch to make room.
			select {
			case <-d.requests:
			default:
			}
		}
	}
}

// Results exposes the worker's reply stream.
func (d *Decoder) Results() <-chan Response {
	return d.results
}

// Close stops the worker after its current batch.
func (d *Decoder) Close() {
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	<-d.finished
}

func (d *Decoder) run() {
	defer close(d.finished)
	for {
		select {
		case <-d.done:
			return
		case req := <-d.requests:
			start := time.Now()
			rows, skipped := DecodeBatch(req.Rows)
			resp := Response{ID: req.ID, Rows: rows, Skipped: skipped, Took: time.Since(start)}
			select {
			case <-d.done:
				return
			case d.results <- resp:
			default:
				// Consumer is behind; drop the oldest reply, it is
				// stale by definition once a newer one exists.
				select {
				case <-d.results:
				default:
				}
				select {
				case <-d.done:
					return
				case d.results <- resp:
				}
			}
		}
	}
}
