package delegation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tenex-chat/tenexd/internal/store"
	"github.com/tenex-chat/tenexd/pkg/protocol"
)

// FileName is the on-disk name within a project directory.
const FileName = "delegations.json"

const saveDebounce = 100 * time.Millisecond

// EmitFunc broadcasts a delegation lifecycle event to observers. May be nil.
type EmitFunc func(name string, rec *Record)

// Registry is the per-project delegation registry. Single-writer within its
// owning runtime; waiters block on per-delegation channels.
type Registry struct {
	path           string
	defaultTimeout time.Duration
	emitFn         EmitFunc

	mu        sync.Mutex
	records   map[string]*Record
	byRequest map[string]string // request event ID → delegation ID
	waiters   map[string]chan struct{}
	orphans   map[string][]string // delegator pubkey → notices

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// Open loads {dir}/delegations.json. In-flight delegations reload as records,
// but their waiters are gone: they transition to orphaned and surface as
// notices on the delegator's next turn. A corrupt file is quarantined.
func Open(dir string, defaultTimeout time.Duration, emit EmitFunc) (*Registry, error) {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	r := &Registry{
		path:           filepath.Join(dir, FileName),
		defaultTimeout: defaultTimeout,
		emitFn:         emit,
		records:        make(map[string]*Record),
		byRequest:      make(map[string]string),
		waiters:        make(map[string]chan struct{}),
		orphans:        make(map[string][]string),
	}

	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", r.path, err)
	}

	var recs []*Record
	if err := json.Unmarshal(data, &recs); err != nil {
		q, qerr := store.Quarantine(r.path)
		if qerr != nil {
			return nil, fmt.Errorf("unreadable delegation state and quarantine failed: %w", qerr)
		}
		slog.Error("delegation: state file corrupt, starting fresh", "path", r.path, "quarantined", q, "error", err)
		return r, nil
	}

	for _, rec := range recs {
		if rec.State == StatePending {
			rec.State = StateOrphaned
			r.orphans[rec.Delegator] = append(r.orphans[rec.Delegator],
				fmt.Sprintf("Delegation %s (to %d recipient(s), started %s) did not survive a restart; its results were lost. Re-delegate if the work is still needed.",
					rec.ID, len(rec.Recipients), rec.CreatedAt.Format(time.RFC3339)))
			slog.Warn("delegation: orphaned after restart",
				"id", rec.ID, "delegator", short(rec.Delegator), "pending", len(rec.Pending))
			r.emit(protocol.EventDelegationOrphaned, rec)
		}
		r.records[rec.ID] = rec
		if rec.RequestEventID != "" {
			r.byRequest[rec.RequestEventID] = rec.ID
		}
	}
	return r, nil
}

// OrphanNotices drains restart-orphan notices addressed to the delegator.
func (r *Registry) OrphanNotices(delegator string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	notices := r.orphans[delegator]
	delete(r.orphans, delegator)
	return notices
}

// Flush writes the state file immediately, cancelling any debounced save.
func (r *Registry) Flush() error {
	r.saveMu.Lock()
	if r.saveTimer != nil {
		r.saveTimer.Stop()
		r.saveTimer = nil
	}
	r.saveMu.Unlock()
	return r.save()
}

// scheduleSave persists the state after a short debounce so bursts of
// mutations coalesce into one write.
func (r *Registry) scheduleSave() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if r.saveTimer != nil {
		return
	}
	r.saveTimer = time.AfterFunc(saveDebounce, func() {
		r.saveMu.Lock()
		r.saveTimer = nil
		r.saveMu.Unlock()
		if err := r.save(); err != nil {
			slog.Error("delegation: persist failed", "error", err)
		}
	})
}

func (r *Registry) save() error {
	r.mu.Lock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		cp := *rec
		recs = append(recs, &cp)
	}
	r.mu.Unlock()

	data, err := json.MarshalIndent(recs, "", " ")
	if err != nil {
		return fmt.Errorf("marshal delegation state: %w", err)
	}
	return store.WriteFileAtomic(r.path, data)
}

func (r *Registry) emit(name string, rec *Record) {
	if r.emitFn != nil {
		cp := *rec
		r.emitFn(name, &cp)
	}
}
