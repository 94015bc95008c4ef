package api

import (
	"context"
	"time"
)

// RequestKind separates cheap lookups from export endpoints that render
// whole documents (KML, QR images).
type RequestKind int

const (
	// RequestGeneral serializes requests per IP without any cooldown.
	RequestGeneral RequestKind = iota
	// RequestHeavy additionally enforces a cooldown between exports from
	// the same IP.
	RequestHeavy
)

// RateLimiter serializes requests per client IP. One goroutine per IP
// handles that IP's queue; the limiter goroutine only routes. Heavy
// requests leave a cooldown behind them so a single client cannot keep an
// export endpoint busy.
type RateLimiter struct {
	heavyCooldown time.Duration
	idleExpiry    time.Duration
	requests      chan limiterRequest
	now           func() time.Time
}

type limiterRequest struct {
	ip    string
	ctx   context.Context
	kind  RequestKind
	reply chan limiterGrant
}

type limiterGrant struct {
	release chan struct{}
	err     error
}

// Permit is an acquired slot. Release it when the handler finishes so the
// next queued request for the same IP can proceed.
type Permit struct {
	release chan struct{}
}

// Release is idempotent; a nil permit is a no-op.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	close(p.release)
	p.release = nil
}

// Queues for IPs that stayed quiet this long are torn down, so the map and
// goroutine count track the set of active clients rather than every address
// ever seen.
const defaultIdleExpiry = 5 * time.Minute

// NewRateLimiter starts the routing goroutine.
func NewRateLimiter(heavyCooldown time.Duration) *RateLimiter {
	l := &RateLimiter{
		heavyCooldown: heavyCooldown,
		idleExpiry:    defaultIdleExpiry,
		requests:      make(chan limiterRequest),
		now:           time.Now,
	}
	go l.route()
	return l
}

// Acquire blocks until the IP's queue reaches this request or ctx ends.
func (l *RateLimiter) Acquire(ctx context.Context, ip string, kind RequestKind) (*Permit, error) {
	if l == nil {
		return nil, nil
	}
	req := limiterRequest{ip: ip, ctx: ctx, kind: kind, reply: make(chan limiterGrant, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l.requests <- req:
	}
	select {
	case <-ctx.Done():
		// A grant can land in the buffered reply in the same instant the
		// context ends. Hand it straight back, or serveIP would wait on a
		// release that never comes and stall every later request.
		select {
		case grant := <-req.reply:
			if grant.release != nil {
				close(grant.release)
			}
		default:
		}
		return nil, ctx.Err()
	case grant := <-req.reply:
		if grant.err != nil {
			return nil, grant.err
		}
		return &Permit{release: grant.release}, nil
	}
}

type ipQueue struct {
	ch       chan limiterRequest
	lastSeen time.Time
}

func (l *RateLimiter) route() {
	queues := make(map[string]*ipQueue)
	idle := l.idleExpiry
	if idle <= 0 {
		idle = defaultIdleExpiry
	}
	sweep := time.NewTicker(idle / 2)
	defer sweep.Stop()
	for {
		select {
		case req := <-l.requests:
			q, ok := queues[req.ip]
			if !ok {
				q = &ipQueue{ch: make(chan limiterRequest)}
				queues[req.ip] = q
				go l.serveIP(q.ch)
			}
			q.lastSeen = l.now()
			select {
			case q.ch <- req:
			case <-req.ctx.Done():
				req.reply <- limiterGrant{err: req.ctx.Err()}
			}
		case <-sweep.C:
			// route is the only sender on a queue, so closing it here
			// cannot race a send; serveIP drains out and exits. The
			// expiry is long next to any handler, so an in-flight
			// permit has been released well before its queue goes.
			for ip, q := range queues {
				if l.now().Sub(q.lastSeen) > idle {
					close(q.ch)
					delete(queues, ip)
				}
			}
		}
	}
}

// serveIP grants one permit at a time for a single IP, sleeping out the
// heavy cooldown before the next heavy grant.
func (l *RateLimiter) serveIP(requests <-chan limiterRequest) {
	var lastHeavy time.Time
	for req := range requests {
		if req.kind == RequestHeavy && !lastHeavy.IsZero() {
			readyAt := lastHeavy.Add(l.heavyCooldown)
			if wait := readyAt.Sub(l.now()); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-req.ctx.Done():
					if !timer.Stop() {
						<-timer.C
					}
					req.reply <- limiterGrant{err: req.ctx.Err()}
					continue
				case <-timer.C:
				}
			}
		}

		release := make(chan struct{})
		select {
		case <-req.ctx.Done():
			req.reply <- limiterGrant{err: req.ctx.Err()}
			continue
		case req.reply <- limiterGrant{release: release}:
		}

		select {
		case <-release:
		case <-req.ctx.Done():
			<-release
		}
		if req.kind == RequestHeavy {
			lastHeavy = l.now()
		}
	}
}
