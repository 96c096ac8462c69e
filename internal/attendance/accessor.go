package attendance

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fairplay/internal/model"
	"fairplay/internal/store"
)

const (
	defaultChunkSize   = 100
	defaultConcurrency = 4
)

// Accessor reads and stages per-user attendance data. It is the only code
// that touches the users collection on behalf of the batch processors.
type Accessor struct {
	store       store.Store
	chunkSize   int
	concurrency int
}

// NewAccessor wraps a store.
func NewAccessor(s store.Store) *Accessor {
	return &Accessor{
		store:       s,
		chunkSize:   defaultChunkSize,
		concurrency: defaultConcurrency,
	}
}

// Profiles fetches the profiles of uids. Duplicates and empty ids are
// dropped, the remaining ids are split into chunks that are read
// concurrently, and the call returns once every chunk finished. Unknown
// users are absent from the result.
func (a *Accessor) Profiles(ctx context.Context, uids []string) (map[string]*model.UserProfile, error) {
	unique := dedupe(uids)
	out := make(map[string]*model.UserProfile, len(unique))
	if len(unique) == 0 {
		return out, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for start := 0; start < len(unique); start += a.chunkSize {
		end := start + a.chunkSize
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]
		g.Go(func() error {
			users, err := a.store.GetUsers(gctx, chunk)
			if err != nil {
				return err
			}
			mu.Lock()
			for uid, u := range users {
				out[uid] = u
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LastAttended returns each user's last attendance in groupID. Users with no
// record (or no profile) are absent from the result.
func (a *Accessor) LastAttended(ctx context.Context, uids []string, groupID string) (map[string]time.Time, error) {
	profiles, err := a.Profiles(ctx, uids)
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(profiles))
	for uid, u := range profiles {
		if t, ok := u.LastAttended(groupID); ok {
			out[uid] = t
		}
	}
	return out, nil
}

// StageAdvance stages attendanceHistory.<groupID> = at for uid, but only
// when there is no current value or the current instant is strictly earlier
// than at. It reports whether an update was staged.
func StageAdvance(b *store.Batch, uid, groupID string, current *time.Time, at time.Time) bool {
	if current != nil && !current.Before(at) {
		return false
	}
	b.Update(model.CollectionUsers, uid, map[string]any{
		model.AttendanceField(groupID): at,
	})
	return true
}

func dedupe(uids []string) []string {
	seen := make(map[string]struct{}, len(uids))
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}
