package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"fairplay/internal/model"
)

// Memory is an in-process Store with the same document semantics as the
// persistent backends. It also counts calls and can inject failures, which
// is what the processor tests rely on.
type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte

	commits      int
	committedOps int
	userReads    int

	// CommitErr, when set, is returned by Commit without applying anything.
	CommitErr error
	// UserReadErr fails GetUsers for any request that includes the key.
	UserReadErr map[string]error
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: map[string]map[string][]byte{
			model.CollectionInstances: {},
			model.CollectionUsers:     {},
		},
		UserReadErr: map[string]error{},
	}
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

// Commits reports how many times Commit reached the backend with a
// non-empty batch.
func (m *Memory) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

// CommittedOps reports the total number of updates applied by Commit.
func (m *Memory) CommittedOps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committedOps
}

// UserReads reports how many GetUsers calls were made.
func (m *Memory) UserReads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userReads
}

// QueryInstances implements Store.
func (m *Memory) QueryInstances(_ context.Context, field string, from, to time.Time) ([]model.EventInstance, error) {
	if err := checkQueryField(field); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	type hit struct {
		at   time.Time
		inst *model.EventInstance
	}
	var hits []hit
	for id, body := range m.docs[model.CollectionInstances] {
		idx, err := instanceIndex(body)
		if err != nil {
			return nil, fmt.Errorf("store: index %s: %w", id, err)
		}
		t := idx.get(field)
		if !inRange(t, from, to) {
			continue
		}
		inst, err := decodeInstance(id, body)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		hits = append(hits, hit{at: *t, inst: inst})
	}
	sort.Slice(hits, func(i, j int) bool {
		if !hits[i].at.Equal(hits[j].at) {
			return hits[i].at.Before(hits[j].at)
		}
		return hits[i].inst.ID < hits[j].inst.ID
	})

	out := make([]model.EventInstance, 0, len(hits))
	for _, h := range hits {
		out = append(out, *h.inst)
	}
	return out, nil
}

// GetInstance implements Store.
func (m *Memory) GetInstance(_ context.Context, id string) (*model.EventInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.docs[model.CollectionInstances][id]
	if !ok {
		return nil, notFound(model.CollectionInstances, id)
	}
	return decodeInstance(id, body)
}

// GetUsers implements Store.
func (m *Memory) GetUsers(_ context.Context, uids []string) (map[string]*model.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userReads++

	out := make(map[string]*model.UserProfile, len(uids))
	for _, uid := range uids {
		if err := m.UserReadErr[uid]; err != nil {
			return nil, fmt.Errorf("store: get users: %w", err)
		}
		body, ok := m.docs[model.CollectionUsers][uid]
		if !ok {
			continue
		}
		u, err := decodeUser(uid, body)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		out[uid] = u
	}
	return out, nil
}

// PutInstance implements Store.
func (m *Memory) PutInstance(_ context.Context, inst *model.EventInstance) error {
	return m.put(model.CollectionInstances, inst.ID, inst)
}

// PutUser implements Store.
func (m *Memory) PutUser(_ context.Context, user *model.UserProfile) error {
	return m.put(model.CollectionUsers, user.UID, user)
}

func (m *Memory) put(collection, id string, v any) error {
	if id == "" {
		return fmt.Errorf("store: put %s: empty id", collection)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[collection][id] = body
	return nil
}

// Commit implements Store. Updates are applied to a scratch copy that only
// replaces the live documents once every update succeeded.
func (m *Memory) Commit(_ context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commits++
	if m.CommitErr != nil {
		return fmt.Errorf("store: commit: %w", m.CommitErr)
	}

	scratch := map[string]map[string][]byte{}
	lookup := func(collection, id string) ([]byte, bool) {
		if body, ok := scratch[collection][id]; ok {
			return body, true
		}
		body, ok := m.docs[collection][id]
		return body, ok
	}

	for _, p := range b.Preconditions() {
		body, ok := m.docs[p.Collection][p.ID]
		if !ok {
			return fmt.Errorf("store: commit: %w", notFound(p.Collection, p.ID))
		}
		if err := checkPrecondition(body, p); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
	}

	for _, u := range b.Updates() {
		if err := checkCollection(u.Collection); err != nil {
			return err
		}
		body, ok := lookup(u.Collection, u.ID)
		if !ok {
			return fmt.Errorf("store: commit: %w", notFound(u.Collection, u.ID))
		}
		patched, err := applyUpdate(body, u.Fields)
		if err != nil {
			return fmt.Errorf("store: commit: patch %s/%s: %w", u.Collection, u.ID, err)
		}
		if scratch[u.Collection] == nil {
			scratch[u.Collection] = map[string][]byte{}
		}
		scratch[u.Collection][u.ID] = patched
	}

	for collection, docs := range scratch {
		for id, body := range docs {
			m.docs[collection][id] = body
		}
	}
	m.committedOps += b.Len()
	return nil
}
