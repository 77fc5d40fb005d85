// Package store persists transfer records and host authentications in a bolt database.
package store

import (
	"errors"
	"time"

	"github.com/boltdb/bolt"
	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gox/logger"
	json "github.com/json-iterator/go"
)

var (
	ErrNotFound = errors.New("record not found")
)

// TransferStore is the narrow persistence contract of transfer records.
type TransferStore interface {
	// Load finds a record by its identity triple, ErrNotFound if absent.
	Load(id int64, requester, requested string) (*common.TransferRecord, error)
	// Save inserts or replaces a record.
	Save(rec *common.TransferRecord) error
	// Update replaces an existing record, ErrNotFound if absent.
	Update(rec *common.TransferRecord) error
}

// HostStore resolves host authentication records.
type HostStore interface {
	GetHost(hostId string) (*common.HostAuth, error)
	PutHost(host *common.HostAuth) error
}

// BoltStore implements TransferStore and HostStore.
type BoltStore struct {
	db *bolt.DB
}

// Open opens or creates the bolt database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second * 5})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(common.BUCKET_KEY_TRANSFERS)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(common.BUCKET_KEY_HOSTS))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("store opened: ", path)
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(id int64, requester, requested string) (*common.TransferRecord, error) {
	var rec *common.TransferRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(common.BUCKET_KEY_TRANSFERS)).Get([]byte(common.RecordKey(id, requester, requested)))
		if v == nil {
			return ErrNotFound
		}
		rec = &common.TransferRecord{}
		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) Save(rec *common.TransferRecord) error {
	bs, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(common.BUCKET_KEY_TRANSFERS)).Put([]byte(rec.Key()), bs)
	})
}

func (s *BoltStore) Update(rec *common.TransferRecord) error {
	bs, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.BUCKET_KEY_TRANSFERS))
		if b.Get([]byte(rec.Key())) == nil {
			return ErrNotFound
		}
		return b.Put([]byte(rec.Key()), bs)
	})
}

// Submit creates a new record with a fresh id, status TOSUBMIT and step NONE.
func (s *BoltStore) Submit(rec *common.TransferRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(common.BUCKET_KEY_TRANSFERS))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Id = int64(seq)
		rec.Step = common.STEP_NONE
		rec.Status = common.STATUS_TOSUBMIT
		rec.ErrorCode = common.Unknown
		rec.Rank = 0
		rec.Start = time.Now()
		bs, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Key()), bs)
	})
}

// Scan walks all records, stopping when walker returns false.
func (s *BoltStore) Scan(walker func(rec *common.TransferRecord) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(common.BUCKET_KEY_TRANSFERS)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec := &common.TransferRecord{}
			if err := json.Unmarshal(v, rec); err != nil {
				logger.Debug("skip broken record ", string(k), ": ", err)
				continue
			}
			if !walker(rec) {
				break
			}
		}
		return nil
	})
}

func (s *BoltStore) GetHost(hostId string) (*common.HostAuth, error) {
	var host *common.HostAuth
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(common.BUCKET_KEY_HOSTS)).Get([]byte(hostId))
		if v == nil {
			return ErrNotFound
		}
		host = &common.HostAuth{}
		return json.Unmarshal(v, host)
	})
	if err != nil {
		return nil, err
	}
	return host, nil
}

func (s *BoltStore) PutHost(host *common.HostAuth) error {
	if host == nil || host.HostId == "" {
		return errors.New("host id cannot be empty")
	}
	bs, err := json.Marshal(host)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(common.BUCKET_KEY_HOSTS)).Put([]byte(host.HostId), bs)
	})
}
