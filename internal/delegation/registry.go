package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// Outcome is what a waiter receives from Await.
type Outcome struct {
	DelegationID string
	Results      []Result
	TimedOut     bool
}

// Register records an outstanding delegation and returns its ID immediately;
// it never blocks. Self-delegation is rejected unless a phase is set
// (phase-transition handoffs may target the delegator itself).
func (r *Registry) Register(spec Spec) (string, error) {
	if len(spec.Recipients) == 0 {
		return "", fmt.Errorf("delegation needs at least one recipient")
	}
	if spec.Phase == "" {
		for _, pk := range spec.Recipients {
			if pk == spec.Delegator {
				return "", fmt.Errorf("%w: %s", ErrSelfDelegation, pk)
			}
		}
	}

	rec := &Record{
		ID:             uuid.NewString()[:12],
		Delegator:      spec.Delegator,
		Recipients:     append([]string(nil), spec.Recipients...),
		ConversationID: spec.ConversationID,
		RequestEventID: spec.RequestEventID,
		Phase:          spec.Phase,
		CreatedAt:      time.Now().UTC(),
		Pending:        append([]string(nil), spec.Recipients...),
		State:          StatePending,
	}

	r.mu.Lock()
	r.records[rec.ID] = rec
	if rec.RequestEventID != "" {
		r.byRequest[rec.RequestEventID] = rec.ID
	}
	r.waiters[rec.ID] = make(chan struct{})
	r.mu.Unlock()

	r.scheduleSave()
	r.emit(protocol.EventDelegationStarted, rec)
	slog.Info("delegation registered",
		"id", rec.ID, "delegator", short(rec.Delegator),
		"recipients", len(rec.Recipients), "phase", rec.Phase)
	return rec.ID, nil
}

// Await blocks until every recipient replied, the context is cancelled, or
// the timeout fires. A delegation that settled before Await returns its
// outcome immediately. A zero timeout uses the registry default. On timeout
// the still-pending recipients are marked timed_out; the delegation is not
// cancelled remotely.
func (r *Registry) Await(ctx context.Context, id string, timeout time.Duration) (*Outcome, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownDelegation, id)
	}
	if rec.State != StatePending {
		r.mu.Unlock()
		return r.finish(rec, false), nil
	}
	done := r.waiters[id]
	r.mu.Unlock()

	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return r.finish(rec, false), nil
	case <-timer.C:
		return r.finish(rec, true), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Abort removes a delegation whose request event never reached the relays.
// Any waiter is released with whatever results exist.
func (r *Registry) Abort(id string) {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.records, id)
	if rec.RequestEventID != "" {
		delete(r.byRequest, rec.RequestEventID)
	}
	if done, waiting := r.waiters[id]; waiting {
		delete(r.waiters, id)
		close(done)
	}
	r.mu.Unlock()
	r.scheduleSave()
}

// OnReply correlates an inbound event to a pending delegation: the q tag
// (request event reference) is authoritative, and an e tag naming the request
// counts while the delegation is pending and the author is a pending
// recipient, so external recipients that never quote the request still settle
// it. A credited recipient counts once, duplicates are ignored; the waiter
// wakes when the pending set empties. Returns true when the event was
// consumed as a delegation reply.
func (r *Registry) OnReply(ev *nostr.Event) bool {
	r.mu.Lock()
	id, explicit := r.correlate(ev)
	if id == "" {
		r.mu.Unlock()
		return false
	}
	rec := r.records[id]
	if rec.State != StatePending {
		late := explicit && r.recordLateReply(rec, ev)
		r.mu.Unlock()
		if late {
			r.scheduleSave()
			slog.Info("delegation: late reply recorded after timeout",
				"id", id, "from", short(ev.PubKey))
		}
		return explicit // q-correlated but already settled; consume silently
	}

	idx := rec.pendingIndex(ev.PubKey)
	if idx < 0 {
		// Duplicate reply or a pubkey that was never a recipient.
		known := false
		for _, pk := range rec.Recipients {
			if pk == ev.PubKey {
				known = true
				break
			}
		}
		r.mu.Unlock()
		if known {
			slog.Debug("delegation: duplicate reply ignored", "id", id, "from", short(ev.PubKey))
		}
		return known
	}

	rec.Pending = append(rec.Pending[:idx], rec.Pending[idx+1:]...)
	rec.Results = append(rec.Results, Result{
		Recipient: ev.PubKey,
		Content:   ev.Content,
		Status:    StatusCompleted,
		EventID:   ev.ID,
		At:        ev.CreatedAt.Time(),
	})

	complete := rec.Complete()
	var done chan struct{}
	if complete {
		rec.State = StateComplete
		done = r.waiters[id]
		delete(r.waiters, id)
	}
	r.mu.Unlock()

	r.scheduleSave()
	slog.Info("delegation: reply received",
		"id", id, "from", short(ev.PubKey), "pending", len(rec.Pending))
	if complete {
		close(done)
		r.emit(protocol.EventDelegationCompleted, rec)
	}
	return true
}

// IsPendingRequest reports whether the event ID is the request of a
// delegation that still awaits replies. Used by the router (correlation
// step) and by thread pruning (such messages are never elided).
func (r *Registry) IsPendingRequest(eventID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byRequest[eventID]
	if !ok {
		return false
	}
	return r.records[id].State == StatePending
}

// HasPending reports whether any delegation is still awaiting replies. The
// runtime refuses to go idle while this holds.
func (r *Registry) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.State == StatePending {
			return true
		}
	}
	return false
}

// Get returns a copy of the record.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// finish settles the outcome for a waiter and marks it delivered. On timeout,
// pending recipients are marked timed_out and the record transitions to
// timed_out.
func (r *Registry) finish(rec *Record, timedOut bool) *Outcome {
	r.mu.Lock()
	rec.Delivered = true
	if timedOut && rec.State == StatePending {
		now := time.Now().UTC()
		for _, pk := range rec.Pending {
			rec.Results = append(rec.Results, Result{
				Recipient: pk,
				Status:    StatusTimedOut,
				At:        now,
			})
		}
		rec.Pending = nil
		rec.State = StateTimedOut
		if done, ok := r.waiters[rec.ID]; ok {
			delete(r.waiters, rec.ID)
			close(done)
		}
	}
	out := &Outcome{
		DelegationID: rec.ID,
		Results:      append([]Result(nil), rec.Results...),
		TimedOut:     rec.State == StateTimedOut,
	}
	r.mu.Unlock()

	r.scheduleSave()
	if timedOut {
		r.emit(protocol.EventDelegationTimedOut, rec)
		slog.Warn("delegation timed out", "id", rec.ID, "delegator", short(rec.Delegator))
	}
	return out
}

// correlate resolves the delegation an inbound reply settles. Caller holds
// r.mu. The boolean reports an explicit q correlation; e-tag matches are
// accepted only for pending recipients of a pending delegation.
func (r *Registry) correlate(ev *nostr.Event) (string, bool) {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == protocol.TagDelegation {
			if id, ok := r.byRequest[tag[1]]; ok {
				return id, true
			}
		}
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != protocol.TagReply {
			continue
		}
		id, ok := r.byRequest[tag[1]]
		if !ok {
			continue
		}
		rec := r.records[id]
		if rec.State == StatePending && rec.pendingIndex(ev.PubKey) >= 0 {
			return id, false
		}
	}
	return "", false
}

// recordLateReply upgrades a timed_out recipient result when its reply
// arrives after the waiter gave up. Caller holds r.mu. The record is flagged
// undelivered so the result surfaces on the delegator's next turn.
func (r *Registry) recordLateReply(rec *Record, ev *nostr.Event) bool {
	if rec.State != StateTimedOut {
		return false
	}
	for i := range rec.Results {
		res := &rec.Results[i]
		if res.Recipient != ev.PubKey || res.Status != StatusTimedOut {
			continue
		}
		res.Status = StatusCompleted
		res.Content = ev.Content
		res.EventID = ev.ID
		res.At = ev.CreatedAt.Time()
		rec.Delivered = false
		return true
	}
	return false
}

// UndeliveredSummaries drains result summaries of settled delegations whose
// outcome never reached the delegator: completions after a turn died, and
// replies that arrived after an Await timeout.
func (r *Registry) UndeliveredSummaries(delegator string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recs []*Record
	for _, rec := range r.records {
		if rec.Delegator != delegator || rec.Delivered {
			continue
		}
		if rec.State != StateComplete && rec.State != StateTimedOut {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		var b strings.Builder
		fmt.Fprintf(&b, "Delegation %s finished after your turn moved on. Results:", rec.ID)
		for _, res := range rec.Results {
			fmt.Fprintf(&b, "\n- %s (%s): %s", short(res.Recipient), res.Status, res.Content)
		}
		out = append(out, b.String())
		rec.Delivered = true
	}
	if len(out) > 0 {
		r.scheduleSave()
	}
	return out
}

func short(pk string) string {
	if len(pk) > 8 {
		return pk[:8]
	}
	return pk
}
