package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"fairplay/internal/model"
)

// Index buckets map (timestamp || id) to id. The timestamp is the unix
// nanosecond value with the sign bit flipped so byte order equals time order.
var (
	bucketRevealIndex = []byte("idx:" + model.FieldListRevealDateTime)
	bucketStartIndex  = []byte("idx:" + model.FieldEventStartDateTime)
)

// Bolt is a bbolt-backed Store. One bucket per collection holds JSON bodies.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (or creates) a bbolt file and makes sure every bucket exists.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: opening bbolt db at %s: %w", path, err)
	}

	// Buckets must exist before any read/write operations.
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			[]byte(model.CollectionInstances),
			[]byte(model.CollectionUsers),
			bucketRevealIndex,
			bucketStartIndex,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Bolt{db: db}, nil
}

// Close closes the bbolt file.
func (s *Bolt) Close() error {
	return s.db.Close()
}

func indexBucket(field string) []byte {
	if field == model.FieldListRevealDateTime {
		return bucketRevealIndex
	}
	return bucketStartIndex
}

func timeKey(t time.Time) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano())^(1<<63))
	return k
}

func indexKey(t time.Time, id string) []byte {
	return append(timeKey(t), []byte(id)...)
}

// QueryInstances implements Store by walking the index bucket with a cursor.
func (s *Bolt) QueryInstances(_ context.Context, field string, from, to time.Time) ([]model.EventInstance, error) {
	if err := checkQueryField(field); err != nil {
		return nil, err
	}
	var out []model.EventInstance

	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket([]byte(model.CollectionInstances))
		c := tx.Bucket(indexBucket(field)).Cursor()

		lo := timeKey(from)
		hi := timeKey(to)
		for k, v := c.Seek(lo); k != nil; k, v = c.Next() {
			if bytes.Compare(k[:8], hi) > 0 {
				break
			}
			body := docs.Get(v)
			if body == nil {
				continue
			}
			inst, err := decodeInstance(string(v), body)
			if err != nil {
				return err
			}
			out = append(out, *inst)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: query instances by %s: %w", field, err)
	}
	return out, nil
}

// GetInstance implements Store.
func (s *Bolt) GetInstance(_ context.Context, id string) (*model.EventInstance, error) {
	var inst *model.EventInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		body := tx.Bucket([]byte(model.CollectionInstances)).Get([]byte(id))
		if body == nil {
			return notFound(model.CollectionInstances, id)
		}
		var err error
		inst, err = decodeInstance(id, body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// GetUsers implements Store in a single read transaction.
func (s *Bolt) GetUsers(_ context.Context, uids []string) (map[string]*model.UserProfile, error) {
	out := make(map[string]*model.UserProfile, len(uids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(model.CollectionUsers))
		for _, uid := range uids {
			body := b.Get([]byte(uid))
			if body == nil {
				continue
			}
			u, err := decodeUser(uid, body)
			if err != nil {
				return err
			}
			out[uid] = u
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: get users: %w", err)
	}
	return out, nil
}

// PutInstance implements Store.
func (s *Bolt) PutInstance(_ context.Context, inst *model.EventInstance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("store: encode instance %s: %w", inst.ID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDoc(tx, model.CollectionInstances, inst.ID, body)
	})
}

// PutUser implements Store.
func (s *Bolt) PutUser(_ context.Context, user *model.UserProfile) error {
	body, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("store: encode user %s: %w", user.UID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDoc(tx, model.CollectionUsers, user.UID, body)
	})
}

// putDoc writes a body and keeps the instance index buckets in step with it.
func putDoc(tx *bolt.Tx, collection, id string, body []byte) error {
	if id == "" {
		return fmt.Errorf("store: put %s: empty id", collection)
	}
	b := tx.Bucket([]byte(collection))

	if collection == model.CollectionInstances {
		if prev := b.Get([]byte(id)); prev != nil {
			old, err := instanceIndex(prev)
			if err != nil {
				return fmt.Errorf("store: index %s: %w", id, err)
			}
			if err := updateIndex(tx, id, old, true); err != nil {
				return err
			}
		}
		idx, err := instanceIndex(body)
		if err != nil {
			return fmt.Errorf("store: index %s: %w", id, err)
		}
		if err := updateIndex(tx, id, idx, false); err != nil {
			return err
		}
	}

	if err := b.Put([]byte(id), body); err != nil {
		return fmt.Errorf("store: writing %s/%s: %w", collection, id, err)
	}
	return nil
}

func updateIndex(tx *bolt.Tx, id string, idx indexTimes, remove bool) error {
	for _, field := range []string{model.FieldListRevealDateTime, model.FieldEventStartDateTime} {
		t := idx.get(field)
		if t == nil {
			continue
		}
		b := tx.Bucket(indexBucket(field))
		key := indexKey(*t, id)
		var err error
		if remove {
			err = b.Delete(key)
		} else {
			err = b.Put(key, []byte(id))
		}
		if err != nil {
			return fmt.Errorf("store: index %s on %s: %w", id, field, err)
		}
	}
	return nil
}

// Commit implements Store. Returning an error from the Update closure rolls
// back every write made in it.
func (s *Bolt) Commit(_ context.Context, batch *Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, p := range batch.Preconditions() {
			if err := checkCollection(p.Collection); err != nil {
				return err
			}
			body := tx.Bucket([]byte(p.Collection)).Get([]byte(p.ID))
			if body == nil {
				return notFound(p.Collection, p.ID)
			}
			if err := checkPrecondition(body, p); err != nil {
				return err
			}
		}
		for _, u := range batch.Updates() {
			if err := checkCollection(u.Collection); err != nil {
				return err
			}
			body := tx.Bucket([]byte(u.Collection)).Get([]byte(u.ID))
			if body == nil {
				return notFound(u.Collection, u.ID)
			}
			patched, err := applyUpdate(body, u.Fields)
			if err != nil {
				return fmt.Errorf("patch %s/%s: %w", u.Collection, u.ID, err)
			}
			if err := putDoc(tx, u.Collection, u.ID, patched); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
