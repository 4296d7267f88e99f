package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// valuesBucket stores the last published value per property
	valuesBucket = "_values"

	// markersBucket stores named markers
	markersBucket = "_markers"

	// historyBucket stores per-property sample history
	historyBucket = "_history"
)

// BoltStorage is a bbolt implementation of the Storage interface
type BoltStorage struct {
	db *bbolt.DB
}

// NewBoltStorage creates a new BoltStorage instance
// The database file will be created if it doesn't exist
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{valuesBucket, markersBucket, historyBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db}, nil
}

// get copies the value of key out of a top-level bucket
func (s *BoltStorage) get(bucketName, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", bucketName)
		}

		data := bucket.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = make([]byte, len(data))
		copy(value, data)
		return nil
	})

	return value, err
}

func (s *BoltStorage) put(bucketName, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return fmt.Errorf("%s bucket not found", bucketName)
		}
		return bucket.Put([]byte(key), value)
	})
}

// LastValue returns the last published value of a property
func (s *BoltStorage) LastValue(property string) (float64, error) {
	data, err := s.get(valuesBucket, property)
	if err != nil {
		return 0, err
	}

	value, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse value of %s: %w", property, err)
	}

	return value, nil
}

// SetLastValue records the last published value of a property
func (s *BoltStorage) SetLastValue(property string, value float64) error {
	return s.put(valuesBucket, property, []byte(strconv.FormatFloat(value, 'g', -1, 64)))
}

// Marker returns a named marker
func (s *BoltStorage) Marker(name string) (string, error) {
	data, err := s.get(markersBucket, name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetMarker stores a named marker
func (s *BoltStorage) SetMarker(name, value string) error {
	return s.put(markersBucket, name, []byte(value))
}

// Sample History Methods

// sampleKey formats a timestamp as a sortable key. seq keeps samples with
// equal timestamps apart.
func sampleKey(t time.Time, seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d%020d", t.UnixNano(), seq))
}

// AppendSample records a published value of a property
func (s *BoltStorage) AppendSample(property string, sample Sample) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		propBucket, err := bucket.CreateBucketIfNotExists([]byte(property))
		if err != nil {
			return fmt.Errorf("failed to create property bucket: %w", err)
		}

		data, err := json.Marshal(sample)
		if err != nil {
			return fmt.Errorf("failed to marshal sample: %w", err)
		}

		seq, err := propBucket.NextSequence()
		if err != nil {
			return err
		}
		return propBucket.Put(sampleKey(sample.Timestamp, seq), data)
	})
}

// GetSamples returns up to limit most recent samples, oldest first
func (s *BoltStorage) GetSamples(property string, limit int) ([]Sample, error) {
	var samples []Sample

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		propBucket := bucket.Bucket([]byte(property))
		if propBucket == nil {
			return nil
		}

		// Walk backwards from the newest entry
		cursor := propBucket.Cursor()
		for k, v := cursor.Last(); k != nil && len(samples) < limit; k, v = cursor.Prev() {
			var sample Sample
			if err := json.Unmarshal(v, &sample); err != nil {
				continue // Skip corrupted entries
			}
			samples = append(samples, sample)
		}

		return nil
	})

	// Reverse to oldest first
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}

	return samples, err
}

// TrimSamples keeps only the last maxSamples samples of a property
func (s *BoltStorage) TrimSamples(property string, maxSamples int) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(historyBucket))
		if bucket == nil {
			return fmt.Errorf("history bucket not found")
		}

		propBucket := bucket.Bucket([]byte(property))
		if propBucket == nil {
			return nil
		}

		var count int
		cursor := propBucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}

		if count <= maxSamples {
			return nil
		}

		// Collect keys first: deleting while iterating skips entries
		toDelete := count - maxSamples
		keys := make([][]byte, 0, toDelete)
		cursor = propBucket.Cursor()
		for k, _ := cursor.First(); k != nil && len(keys) < toDelete; k, _ = cursor.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}

		for _, k := range keys {
			if err := propBucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete old sample: %w", err)
			}
		}

		return nil
	})
}

// Close closes the storage
func (s *BoltStorage) Close() error {
	return s.db.Close()
}
