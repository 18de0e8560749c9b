package lease

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"aval/internal/lease/domain"
	"aval/internal/telemetry"
)

// fakeRepo is an in-memory repository.Repository.
type fakeRepo struct {
	mu   sync.Mutex
	rows map[string]*domain.DeviceLease

	acquireCalls   int
	heartbeatCalls int
	releaseCalls   int

	acquireErr   error
	heartbeatErr error
	releaseErr   error
	reclaimIDs   []string
	reclaimErr   error
	reclaimCalls int

	// onAcquire runs before each Acquire with the call number.
	onAcquire func(call int)
	// heartbeats receives the device id of every heartbeat call.
	heartbeats chan string
	// blockHeartbeat, when set, makes Heartbeat wait until it is closed.
	blockHeartbeat chan struct{}
}

func newFakeRepo(ids ...string) *fakeRepo {
	r := &fakeRepo{rows: map[string]*domain.DeviceLease{}, heartbeats: make(chan string, 64)}
	for _, id := range ids {
		r.rows[id] = &domain.DeviceLease{DeviceUUID: id}
	}
	return r
}

func (r *fakeRepo) lock(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[id].Locked = true
}

func (r *fakeRepo) locked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id] != nil && r.rows[id].Locked
}

func (r *fakeRepo) counts() (acquire, heartbeat, release int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquireCalls, r.heartbeatCalls, r.releaseCalls
}

func (r *fakeRepo) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[id]
	return ok, nil
}

func (r *fakeRepo) Create(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; ok {
		return errors.New("duplicate key")
	}
	r.rows[id] = &domain.DeviceLease{DeviceUUID: id}
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id string) (*domain.DeviceLease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (r *fakeRepo) Acquire(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	r.acquireCalls++
	call := r.acquireCalls
	hook := r.onAcquire
	r.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.acquireErr != nil {
		return false, r.acquireErr
	}
	l, ok := r.rows[id]
	if !ok || l.Locked {
		return false, nil
	}
	l.Locked = true
	return true, nil
}

func (r *fakeRepo) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseCalls++
	if r.releaseErr != nil {
		return r.releaseErr
	}
	if l, ok := r.rows[id]; ok {
		l.Locked = false
	}
	return nil
}

func (r *fakeRepo) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	block := r.blockHeartbeat
	r.heartbeatCalls++
	err := r.heartbeatErr
	r.mu.Unlock()
	r.heartbeats <- id
	if block != nil {
		<-block
	}
	return err
}

func (r *fakeRepo) ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reclaimCalls++
	if r.reclaimErr != nil {
		return nil, r.reclaimErr
	}
	return r.reclaimIDs, nil
}

// fakeEmitter records emitted events.
type fakeEmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (e *fakeEmitter) Emit(ctx context.Context, ev telemetry.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEmitter) types() []telemetry.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]telemetry.EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
