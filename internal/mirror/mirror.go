// ABOUTME: Best-effort persistent mirror of agent bindings over a shared HashStore
// ABOUTME: Writes are queued off the caller's path; reads degrade to a miss on failure

package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/sacmes-gateway/internal/store"
	"github.com/2389/sacmes-gateway/internal/tenant"
)

// ErrMiss is returned by Get when the tenant has no usable persisted record,
// including when the backing store could not be reached.
var ErrMiss = errors.New("mirror miss")

const (
	// DefaultHash is the hash that holds one field per tenant.
	DefaultHash = "sacmes:agents"

	defaultTimeout   = 2 * time.Second
	defaultQueueSize = 1024
)

// Record is the persisted form of an agent binding.
type Record struct {
	SessionID     string    `json:"session_id"`
	ConnectionRef string    `json:"connection_ref"`
	InstanceID    string    `json:"instance_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	// RefreshedAt is restamped periodically by the owning instance. A record
	// that stops being refreshed is stale and may be taken over.
	RefreshedAt time.Time `json:"refreshed_at"`
}

// Config configures a Mirror. Zero values fall back to defaults.
type Config struct {
	Hash      string
	Timeout   time.Duration
	QueueSize int
	Logger    *slog.Logger
}

// Stats is a snapshot of mirror activity counters.
type Stats struct {
	Writes   uint64 `json:"writes"`
	Failures uint64 `json:"failures"`
	Dropped  uint64 `json:"dropped"`
}

type opKind int

const (
	opPut opKind = iota
	opDelete
	opRelease
	opFlush
)

type op struct {
	kind     opKind
	tenantID string
	value    string
	flushed  chan struct{}

	// owner and ref identify the record a release may remove.
	owner string
	ref   string
}

// Mirror is a thin, retry-free wrapper around a HashStore. Put and Delete never
// fail the caller: they are applied in order by a single writer goroutine and
// failures are logged.
type Mirror struct {
	store   store.HashStore
	hash    string
	timeout time.Duration
	logger  *slog.Logger

	ops       chan op
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	writes   atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a Mirror and starts its writer goroutine.
func New(s store.HashStore, cfg Config) *Mirror {
	if cfg.Hash == "" {
		cfg.Hash = DefaultHash
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Mirror{
		store:   s,
		hash:    cfg.Hash,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "mirror"),
		ops:     make(chan op, cfg.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// Put queues a write of the tenant's record.
func (m *Mirror) Put(tenantID string, rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		m.logger.Warn("encoding mirror record", "tenant", tenant.Fingerprint(tenantID), "error", err)
		return
	}
	m.enqueue(op{kind: opPut, tenantID: tenantID, value: string(data)})
}

// Delete queues removal of the tenant's record.
func (m *Mirror) Delete(tenantID string) {
	m.enqueue(op{kind: opDelete, tenantID: tenantID})
}

// Release queues removal of the tenant's record only if it is still owned by
// instanceID through connectionRef. A record another instance (or a newer
// connection) has written since is left in place.
func (m *Mirror) Release(tenantID, instanceID, connectionRef string) {
	m.enqueue(op{kind: opRelease, tenantID: tenantID, owner: instanceID, ref: connectionRef})
}

// Get reads the tenant's record synchronously, bounded by the configured
// timeout. Any failure is reported as ErrMiss.
func (m *Mirror) Get(ctx context.Context, tenantID string) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	raw, err := m.store.HGet(ctx, m.hash, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return Record{}, ErrMiss
	}
	if err != nil {
		m.failures.Add(1)
		m.logger.Warn("mirror read failed, treating as miss",
			"tenant", tenant.Fingerprint(tenantID),
			"error", err,
		)
		return Record{}, fmt.Errorf("%w: %v", ErrMiss, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		m.failures.Add(1)
		m.logger.Warn("mirror record corrupt, treating as miss",
			"tenant", tenant.Fingerprint(tenantID),
			"error", err,
		)
		return Record{}, fmt.Errorf("%w: decoding record: %v", ErrMiss, err)
	}
	return rec, nil
}

// Flush blocks until every operation queued before the call has been applied,
// or ctx is done.
func (m *Mirror) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case m.ops <- op{kind: opFlush, flushed: flushed}:
	case <-m.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns activity counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		Writes:   m.writes.Load(),
		Failures: m.failures.Load(),
		Dropped:  m.dropped.Load(),
	}
}

// Close drains queued operations and stops the writer. Safe to call multiple times.
func (m *Mirror) Close() {
	m.closeOnce.Do(func() {
		close(m.quit)
		<-m.done
	})
}

// enqueue hands an operation to the writer without blocking.
func (m *Mirror) enqueue(o op) {
	select {
	case <-m.quit:
		m.dropped.Add(1)
		return
	default:
	}

	select {
	case m.ops <- o:
	default:
		m.dropped.Add(1)
		m.logger.Warn("mirror queue full, dropping operation", "tenant", tenant.Fingerprint(o.tenantID))
	}
}

// run applies queued operations in order until Close.
func (m *Mirror) run() {
	defer close(m.done)

	for {
		select {
		case o := <-m.ops:
			m.apply(o)
		case <-m.quit:
			for {
				select {
				case o := <-m.ops:
					m.apply(o)
				default:
					return
				}
			}
		}
	}
}

// apply performs a single store operation with its own timeout.
func (m *Mirror) apply(o op) {
	if o.kind == opFlush {
		close(o.flushed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var err error
	switch o.kind {
	case opPut:
		err = m.store.HSet(ctx, m.hash, o.tenantID, o.value)
	case opDelete:
		err = m.store.HDel(ctx, m.hash, o.tenantID)
	case opRelease:
		err = m.release(ctx, o)
	}

	if err != nil {
		m.failures.Add(1)
		m.logger.Warn("mirror write failed, continuing in memory only",
			"tenant", tenant.Fingerprint(o.tenantID),
			"op", o.kind.String(),
			"error", err,
		)
		return
	}
	m.writes.Add(1)
}

// release deletes the record if owner and ref still match. The delete is
// conditional on the exact value read, so a concurrent takeover survives.
func (m *Mirror) release(ctx context.Context, o op) error {
	raw, err := m.store.HGet(ctx, m.hash, o.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err == nil &&
		(rec.InstanceID != o.owner || rec.ConnectionRef != o.ref) {
		m.logger.Debug("record owned elsewhere, keeping",
			"tenant", tenant.Fingerprint(o.tenantID),
			"owner", rec.InstanceID,
		)
		return nil
	}

	removed, err := m.store.HDelIf(ctx, m.hash, o.tenantID, raw)
	if err != nil {
		return err
	}
	if !removed {
		m.logger.Debug("record replaced before release", "tenant", tenant.Fingerprint(o.tenantID))
	}
	return nil
}

func (k opKind) String() string {
	switch k {
	case opPut:
		return "put"
	case opDelete:
		return "delete"
	case opRelease:
		return "release"
	case opFlush:
		return "flush"
	default:
		return "unknown"
	}
}
