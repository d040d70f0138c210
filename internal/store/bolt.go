package store

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

var bucketDevices = []byte("devices")

// Device records are CBOR so state values keep their Go kinds across a
// restart: integers stay int64 and floats stay float64.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IntDec:         cbor.IntDecConvertSigned,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("store: cbor decoder mode: %v", err))
	}
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func encodeDevice(dev *Device) ([]byte, error) {
	data, err := encMode.Marshal(dev)
	if err != nil {
		return nil, fmt.Errorf("encode device %s: %w", dev.IEEEAddress, err)
	}
	return data, nil
}

func decodeDevice(data []byte) (*Device, error) {
	var dev Device
	if err := decMode.Unmarshal(data, &dev); err != nil {
		return nil, fmt.Errorf("decode device: %w", err)
	}
	return &dev, nil
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := encodeDevice(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.IEEEAddress), data)
	})
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		var err error
		dev, err = decodeDevice(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (s *BoltStore) GetDeviceByShortAddress(addr uint16) (*Device, error) {
	var found *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.ForEach(func(_, v []byte) error {
			if found != nil {
				return nil
			}
			dev, err := decodeDevice(v)
			if err != nil {
				return err
			}
			if dev.ShortAddress == addr {
				found = dev
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device 0x%04X: %w", addr, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		dev, err := decodeDevice(data)
		if err != nil {
			return err
		}
		if err := fn(dev); err != nil {
			return err
		}
		// The key is the IEEE address; fn must not move the record.
		dev.IEEEAddress = ieee
		out, err := encodeDevice(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(ieee), out)
	})
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(ieee))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			dev, err := decodeDevice(v)
			if err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			devices = append(devices, dev)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
