package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// Client is the relay transport surface the daemon depends on. The inbound
// stream never closes until Close; reconnects are handled internally.
type Client interface {
	Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error)
	Publish(ctx context.Context, ev *nostr.Event) error
	Close()
}

// PublishError is returned after publish retries are exhausted on every relay.
type PublishError struct {
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s failed: %v", e.EventID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

const (
	reconnectBase = time.Second
	reconnectCap  = time.Minute
)

// Pool maintains one connection per configured relay URL. Inbound events from
// all relays are merged onto a single channel; the pool reconnects dropped
// relays with backoff and re-issues the active subscription.
type Pool struct {
	urls []string

	mu     sync.Mutex
	relays map[string]*nostr.Relay
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool for the given relay URLs. Connections are
// established lazily on Subscribe/Publish.
func NewPool(urls []string) *Pool {
	return &Pool{
		urls:   urls,
		relays: make(map[string]*nostr.Relay),
	}
}

// Subscribe opens the consolidated subscription on every relay and returns
// the merged inbound stream. The channel stays open until Close; per-relay
// disconnects trigger reconnect + resubscribe.
func (p *Pool) Subscribe(ctx context.Context, filters nostr.Filters) (<-chan *nostr.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return nil, errors.New("relay pool closed")
	}
	p.cancel = cancel
	p.mu.Unlock()

	out := make(chan *nostr.Event, 64)
	for _, url := range p.urls {
		p.wg.Add(1)
		go p.runSubscription(ctx, url, filters, out)
	}
	go func() {
		p.wg.Wait()
		close(out)
	}()
	return out, nil
}

// runSubscription keeps one relay subscribed for the lifetime of ctx.
func (p *Pool) runSubscription(ctx context.Context, url string, filters nostr.Filters, out chan<- *nostr.Event) {
	defer p.wg.Done()

	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		r, err := p.connect(ctx, url)
		if err != nil {
			slog.Warn("relay: connect failed", "relay", url, "error", err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, reconnectCap)
			continue
		}

		sub, err := r.Subscribe(ctx, filters)
		if err != nil {
			slog.Warn("relay: subscribe failed", "relay", url, "error", err)
			p.drop(url)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, reconnectCap)
			continue
		}

		slog.Info("relay: subscribed", "relay", url)
		backoff = reconnectBase

	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Unsub()
				return
			case ev, ok := <-sub.Events:
				if !ok {
					// Relay dropped the connection; reconnect.
					slog.Warn("relay: subscription closed", "relay", url)
					p.drop(url)
					break recv
				}
				if ev == nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					sub.Unsub()
					return
				}
			}
		}

		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, reconnectCap)
	}
}

// Publish sends the signed event to every connected relay. It succeeds when
// at least one relay accepts; the last error is returned when all fail.
func (p *Pool) Publish(ctx context.Context, ev *nostr.Event) error {
	var lastErr error
	accepted := 0
	for _, url := range p.urls {
		r, err := p.connect(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := r.Publish(ctx, *ev); err != nil {
			slog.Debug("relay: publish rejected", "relay", url, "event", ev.ID, "error", err)
			p.drop(url)
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		if lastErr == nil {
			lastErr = errors.New("no relays reachable")
		}
		return lastErr
	}
	return nil
}

// Close tears down every connection and terminates the inbound stream.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	cancel := p.cancel
	relays := p.relays
	p.relays = make(map[string]*nostr.Relay)
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, r := range relays {
		r.Close()
	}
}

func (p *Pool) connect(ctx context.Context, url string) (*nostr.Relay, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("relay pool closed")
	}
	if r, ok := p.relays[url]; ok {
		p.mu.Unlock()
		return r, nil
	}
	p.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	r, err := nostr.RelayConnect(dialCtx, url)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		r.Close()
		return nil, errors.New("relay pool closed")
	}
	if existing, ok := p.relays[url]; ok {
		r.Close()
		return existing, nil
	}
	p.relays[url] = r
	return r, nil
}

func (p *Pool) drop(url string) {
	p.mu.Lock()
	r, ok := p.relays[url]
	if ok {
		delete(p.relays, url)
	}
	p.mu.Unlock()
	if ok {
		r.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextBackoff(cur, cap time.Duration) time.Duration {
	next := cur * 2
	if next > cap {
		return cap
	}
	return next
}
