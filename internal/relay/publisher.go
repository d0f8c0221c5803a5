package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const (
	publishBackoffBase = 500 * time.Millisecond
	publishBackoffCap  = 30 * time.Second
	publishAttempts    = 5
)

// Signer signs outbound events with one private key. One signer exists per
// agent identity; the publisher serializes all publishes through it.
type Signer struct {
	sk     string
	pubkey string
}

// NewSigner wraps a hex private key. The corresponding pubkey is derived once.
func NewSigner(sk string) (*Signer, error) {
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	return &Signer{sk: sk, pubkey: pk}, nil
}

// Pubkey returns the signer's public key (hex).
func (s *Signer) Pubkey() string { return s.pubkey }

// Sign stamps pubkey, computes the event ID, and signs in place.
func (s *Signer) Sign(ev *nostr.Event) error {
	ev.PubKey = s.pubkey
	return ev.Sign(s.sk)
}

// Publisher signs and publishes events with retry. Publishes through the same
// signer are serialized: each signer gets one worker goroutine so a signing
// key is never used concurrently.
type Publisher struct {
	client Client

	mu      sync.Mutex
	workers map[string]chan publishJob
	wg      sync.WaitGroup
	closed  bool
}

type publishJob struct {
	ctx    context.Context
	signer *Signer
	ev     *nostr.Event
	done   chan error
}

// NewPublisher creates a publisher on top of the given client.
func NewPublisher(client Client) *Publisher {
	return &Publisher{
		client:  client,
		workers: make(map[string]chan publishJob),
	}
}

// Publish signs ev with the signer and publishes it, retrying transient
// failures with exponential backoff (base 500ms, cap 30s, 5 attempts).
// Exhaustion returns a *PublishError. Blocks until the event is accepted or
// retries run out.
func (p *Publisher) Publish(ctx context.Context, signer *Signer, ev *nostr.Event) error {
	done := make(chan error, 1)
	ch, err := p.worker(signer.Pubkey())
	if err != nil {
		return err
	}
	select {
	case ch <- publishJob{ctx: ctx, signer: signer, ev: ev, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the workers. Pending jobs fail with context errors.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ch := range p.workers {
		close(ch)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Publisher) worker(pubkey string) (chan publishJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("publisher closed")
	}
	if ch, ok := p.workers[pubkey]; ok {
		return ch, nil
	}
	ch := make(chan publishJob, 32)
	p.workers[pubkey] = ch
	p.wg.Add(1)
	go p.run(ch)
	return ch, nil
}

func (p *Publisher) run(ch chan publishJob) {
	defer p.wg.Done()
	for job := range ch {
		job.done <- p.publishOnce(job)
	}
}

func (p *Publisher) publishOnce(job publishJob) error {
	if err := job.signer.Sign(job.ev); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}

	backoff := publishBackoffBase
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err := job.ctx.Err(); err != nil {
			return err
		}
		if lastErr = p.client.Publish(job.ctx, job.ev); lastErr == nil {
			return nil
		}
		slog.Warn("publish attempt failed",
			"event", job.ev.ID, "kind", job.ev.Kind,
			"attempt", attempt, "error", lastErr)
		if attempt < publishAttempts {
			if !sleepCtx(job.ctx, backoff) {
				return job.ctx.Err()
			}
			backoff = nextBackoff(backoff, publishBackoffCap)
		}
	}
	return &PublishError{EventID: job.ev.ID, Err: lastErr}
}
