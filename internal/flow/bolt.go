package flow

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var flowBucket = []byte("flows")

// BoltSink persists flow records in a bbolt database so the management API
// can serve recent request history across restarts.
type BoltSink struct {
	db *bolt.DB
}

// OpenBoltSink opens (or creates) the flow database at path.
func OpenBoltSink(path string) (*BoltSink, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("flow store: open failed: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, errBucket := tx.CreateBucketIfNotExists(flowBucket)
		return errBucket
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("flow store: bucket init failed: %w", err)
	}
	return &BoltSink{db: db}, nil
}

// Record implements Sink. Storage failures are logged, never surfaced: the
// request is already finished and the client response must not depend on
// the flow store.
func (s *BoltSink) Record(rec Record) {
	data, err := json.Marshal(&rec)
	if err != nil {
		log.Warnf("flow store: marshal failed: %v", err)
		return
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(flowBucket).Put(recordKey(rec), data)
	})
	if err != nil {
		log.Warnf("flow store: write failed: %v", err)
	}
}

// Recent returns up to limit records, newest first.
func (s *BoltSink) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	records := make([]Record, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(flowBucket).Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var rec Record
			if errUnmarshal := json.Unmarshal(v, &rec); errUnmarshal != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("flow store: read failed: %w", err)
	}
	return records, nil
}

// Close releases the underlying database.
func (s *BoltSink) Close() error {
	return s.db.Close()
}

// recordKey orders entries by start time; the record id breaks ties between
// requests that started in the same nanosecond.
func recordKey(rec Record) []byte {
	key := make([]byte, 8, 8+len(rec.ID))
	binary.BigEndian.PutUint64(key, uint64(rec.StartedAt.UnixNano()))
	return append(key, rec.ID...)
}
