package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"zcl-gateway/internal/hal"
)

var (
	bucketDevices = []byte("devices")
	bucketNetwork = []byte("network")
	keyNetState   = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

var _ Store = (*BoltStore)(nil)

// Option configures a BoltStore.
type Option func(*BoltStore)

// WithLogger sets the logger used to report records that fail to decode.
func WithLogger(l *slog.Logger) Option {
	return func(s *BoltStore) {
		s.logger = l.With("component", "store")
	}
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string, opts ...Option) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketNetwork} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &BoltStore{db: db, logger: slog.Default().With("component", "store")}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func deviceKey(addr hal.EUI64) []byte {
	return []byte(addr.String())
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDevice(tx.Bucket(bucketDevices), dev)
	})
}

func putDevice(b *bolt.Bucket, dev *Device) error {
	data, err := marshalDevice(dev)
	if err != nil {
		return fmt.Errorf("device %s: %w", dev.Address, err)
	}
	return b.Put(deviceKey(dev.Address), data)
}

func getDevice(b *bolt.Bucket, addr hal.EUI64) (*Device, error) {
	data := b.Get(deviceKey(addr))
	if data == nil {
		return nil, fmt.Errorf("device %s: %w", addr, ErrNotFound)
	}
	dev, err := unmarshalDevice(data)
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", addr, err)
	}
	return dev, nil
}

func (s *BoltStore) GetDevice(addr hal.EUI64) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		dev, err = getDevice(tx.Bucket(bucketDevices), addr)
		return err
	})
	return dev, err
}

func (s *BoltStore) UpdateDevice(addr hal.EUI64, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		dev, err := getDevice(b, addr)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		dev.Address = addr
		return putDevice(b, dev)
	})
}

func (s *BoltStore) DeleteDevice(addr hal.EUI64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete(deviceKey(addr))
	})
}

// ListDevices returns every device that decodes. A record that does not
// is logged and skipped; GetDevice still reports its error.
func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			dev, err := unmarshalDevice(v)
			if err != nil {
				s.logger.Error("skipping undecodable device record", "key", string(k), "err", err)
				return nil
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveNetworkState(state *NetworkState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNetwork).Put(keyNetState, data)
	})
}

func (s *BoltStore) GetNetworkState() (*NetworkState, error) {
	var state NetworkState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNetwork).Get(keyNetState)
		if data == nil {
			return fmt.Errorf("network state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
