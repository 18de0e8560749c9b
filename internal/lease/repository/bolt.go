package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"aval/internal/lease/domain"
)

var _ Repository = (*BoltRepository)(nil)
var _ Repository = (*PostgresRepository)(nil)

var bucketDevices = []byte("devices")

// ErrDeviceExists is returned by BoltRepository.Create for a duplicate insert.
var ErrDeviceExists = errors.New("device already exists")

const defaultOpenTimeout = 5 * time.Second

// boltLease is the JSON value stored per device key.
type boltLease struct {
	Locked    bool      `json:"is_locked"`
	Timestamp time.Time `json:"timestamp"`
}

// BoltRepository stores leases in a bbolt file for single-host setups where
// several processes share one machine. The file is opened for each operation:
// bbolt holds an exclusive file lock while open, so every operation (and in
// particular Acquire's read-then-write) is serialized across processes.
type BoltRepository struct {
	path        string
	openTimeout time.Duration
	nowF        func() time.Time
}

// NewBoltRepository prepares the bbolt file at path, creating its directory and
// bucket when missing.
func NewBoltRepository(path string) (*BoltRepository, error) {
	if path == "" {
		return nil, errors.New("bolt: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	r := &BoltRepository{path: path, openTimeout: defaultOpenTimeout, nowF: func() time.Time { return time.Now().UTC() }}
	err := r.update(context.Background(), func(*bolt.Bucket) error { return nil })
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *BoltRepository) open(ctx context.Context) (*bolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := bolt.Open(r.path, 0o600, &bolt.Options{Timeout: r.openTimeout})
	if err != nil {
		return nil, fmt.Errorf("bolt: open %s: %w", r.path, err)
	}
	return db, nil
}

func (r *BoltRepository) update(ctx context.Context, fn func(*bolt.Bucket) error) error {
	db, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(bucketDevices)
		if err != nil {
			return err
		}
		return fn(bkt)
	})
}

func (r *BoltRepository) view(ctx context.Context, fn func(*bolt.Bucket) error) error {
	db, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketDevices)
		if bkt == nil {
			return nil
		}
		return fn(bkt)
	})
}

func readLease(bkt *bolt.Bucket, deviceUUID string) (*boltLease, error) {
	raw := bkt.Get([]byte(deviceUUID))
	if raw == nil {
		return nil, nil
	}
	var l boltLease
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("bolt: decode %s: %w", deviceUUID, err)
	}
	return &l, nil
}

func writeLease(bkt *bolt.Bucket, deviceUUID string, l *boltLease) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return bkt.Put([]byte(deviceUUID), payload)
}

// Exists reports whether a row exists for deviceUUID.
func (r *BoltRepository) Exists(ctx context.Context, deviceUUID string) (bool, error) {
	var found bool
	err := r.view(ctx, func(bkt *bolt.Bucket) error {
		found = bkt.Get([]byte(deviceUUID)) != nil
		return nil
	})
	return found, err
}

// Create inserts an unlocked row. Returns ErrDeviceExists on duplicates.
func (r *BoltRepository) Create(ctx context.Context, deviceUUID string) error {
	return r.update(ctx, func(bkt *bolt.Bucket) error {
		if bkt.Get([]byte(deviceUUID)) != nil {
			return fmt.Errorf("%w: %s", ErrDeviceExists, deviceUUID)
		}
		return writeLease(bkt, deviceUUID, &boltLease{Timestamp: r.nowF()})
	})
}

// Get returns the lease for deviceUUID, or nil if not found.
func (r *BoltRepository) Get(ctx context.Context, deviceUUID string) (*domain.DeviceLease, error) {
	var out *domain.DeviceLease
	err := r.view(ctx, func(bkt *bolt.Bucket) error {
		l, err := readLease(bkt, deviceUUID)
		if err != nil || l == nil {
			return err
		}
		out = &domain.DeviceLease{DeviceUUID: deviceUUID, Locked: l.Locked, LastHeartbeat: l.Timestamp}
		return nil
	})
	return out, err
}

// Acquire locks the row inside a single write transaction.
func (r *BoltRepository) Acquire(ctx context.Context, deviceUUID string) (bool, error) {
	var acquired bool
	err := r.update(ctx, func(bkt *bolt.Bucket) error {
		l, err := readLease(bkt, deviceUUID)
		if err != nil || l == nil || l.Locked {
			return err
		}
		l.Locked = true
		l.Timestamp = r.nowF()
		if err := writeLease(bkt, deviceUUID, l); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// Release unlocks the row regardless of who holds it.
func (r *BoltRepository) Release(ctx context.Context, deviceUUID string) error {
	return r.update(ctx, func(bkt *bolt.Bucket) error {
		l, err := readLease(bkt, deviceUUID)
		if err != nil || l == nil {
			return err
		}
		l.Locked = false
		l.Timestamp = r.nowF()
		return writeLease(bkt, deviceUUID, l)
	})
}

// Heartbeat stamps the row with the current time.
func (r *BoltRepository) Heartbeat(ctx context.Context, deviceUUID string) error {
	return r.update(ctx, func(bkt *bolt.Bucket) error {
		l, err := readLease(bkt, deviceUUID)
		if err != nil {
			return err
		}
		if l == nil {
			return fmt.Errorf("bolt: heartbeat for unknown device %s", deviceUUID)
		}
		l.Timestamp = r.nowF()
		return writeLease(bkt, deviceUUID, l)
	})
}

// ReclaimStale unlocks locked rows whose heartbeat is older than staleAfter.
func (r *BoltRepository) ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	var out []string
	err := r.update(ctx, func(bkt *bolt.Bucket) error {
		now := r.nowF()
		type staleEntry struct {
			id    string
			lease *boltLease
		}
		var stale []staleEntry
		err := bkt.ForEach(func(k, v []byte) error {
			var l boltLease
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("bolt: decode %s: %w", k, err)
			}
			dl := domain.DeviceLease{Locked: l.Locked, LastHeartbeat: l.Timestamp}
			if dl.IsStale(now, staleAfter) {
				stale = append(stale, staleEntry{id: string(k), lease: &l})
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Writes happen after iteration; bbolt forbids mutating during ForEach.
		for _, e := range stale {
			e.lease.Locked = false
			e.lease.Timestamp = now
			if err := writeLease(bkt, e.id, e.lease); err != nil {
				return err
			}
			out = append(out, e.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
