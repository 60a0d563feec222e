package dispatch

import (
	"context"
	"sync"
)

// Registry holds the liveness flags of the dispatches looping in this
// process. It is best effort: a restart forgets every flag, and stopping a
// dispatch owned by another process only works through its stored status.
//
// A revoked run keeps its slot until it releases it, so at most one loop per
// dispatch exists in the process at any time.
type Registry struct {
	mu   sync.Mutex
	seq  uint64
	live map[string]uint64
	runs map[string]*run
}

type run struct {
	token uint64
	done  chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		live: make(map[string]uint64),
		runs: make(map[string]*run),
	}
}

// Acquire raises the flag of a dispatch and returns the token of this run.
// It fails with ErrAlreadyRunning while another run holds the flag, and
// waits for a revoked run to return before taking its place.
func (r *Registry) Acquire(ctx context.Context, id string) (uint64, error) {
	for {
		r.mu.Lock()
		if _, held := r.live[id]; held {
			r.mu.Unlock()
			return 0, ErrAlreadyRunning
		}
		prev, active := r.runs[id]
		if !active {
			r.seq++
			r.live[id] = r.seq
			r.runs[id] = &run{token: r.seq, done: make(chan struct{})}
			r.mu.Unlock()
			return r.seq, nil
		}
		r.mu.Unlock()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Live reports whether the run holding token may continue.
func (r *Registry) Live(id string, token uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[id] == token
}

// Revoke lowers the flag; the run notices before its next row.
func (r *Registry) Revoke(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, id)
}

// Release ends the run holding token and lowers the flag if it still
// belongs to it.
func (r *Registry) Release(id string, token uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[id] == token {
		delete(r.live, id)
	}
	if cur, ok := r.runs[id]; ok && cur.token == token {
		close(cur.done)
		delete(r.runs, id)
	}
}

// Running lists the dispatches whose run has not returned yet.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}
