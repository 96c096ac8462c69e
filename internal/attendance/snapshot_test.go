package attendance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fairplay/internal/model"
	"fairplay/internal/store"
)

var now = time.Date(2025, 3, 6, 17, 0, 0, 0, time.UTC)

func seedUsers(t *testing.T, s store.Store, users ...*model.UserProfile) {
	t.Helper()
	for _, u := range users {
		require.NoError(t, s.PutUser(context.Background(), u))
	}
}

func user(uid string, history map[string]time.Time) *model.UserProfile {
	return &model.UserProfile{UID: uid, Email: uid + "@example.com", AttendanceHistory: history}
}

func inst(id, group string, start time.Time, spots int, uids ...string) *model.EventInstance {
	parts := make([]model.Participant, 0, len(uids))
	for _, uid := range uids {
		parts = append(parts, model.Participant{UID: uid, RegisteredAt: start.Add(-48 * time.Hour)})
	}
	return &model.EventInstance{
		ID:                        id,
		GroupID:                   group,
		Title:                     "Climbing",
		Spots:                     spots,
		EventStartDateTime:        start,
		RegistrationOpenDateTime:  start.Add(-72 * time.Hour),
		ListRevealDateTime:        start.Add(-24 * time.Hour),
		Participants:              parts,
		ParticipantsListProcessed: true,
	}
}

func history(t *testing.T, s store.Store, uid string) map[string]time.Time {
	t.Helper()
	users, err := s.GetUsers(context.Background(), []string{uid})
	require.NoError(t, err)
	require.Contains(t, users, uid)
	return users[uid].AttendanceHistory
}

func TestRun_CreditsOnlyConfirmed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	start := now.Add(time.Hour)
	seedUsers(t, s, user("a", nil), user("b", nil), user("c", nil))
	require.NoError(t, s.PutInstance(ctx, inst("i1", "g1", start, 2, "a", "b", "c")))

	stats, err := NewProcessor(s, 0).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Credited)
	assert.Equal(t, 1, stats.Processed)
	assert.True(t, stats.Committed)
	assert.Equal(t, 1, s.Commits())

	assert.True(t, history(t, s, "a")["g1"].Equal(start))
	assert.True(t, history(t, s, "b")["g1"].Equal(start))
	assert.NotContains(t, history(t, s, "c"), "g1", "waiting-list users are not credited")

	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, got.AttendanceProcessed)
}

func TestRun_NeverMovesHistoryBackwards(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	t5 := now.Add(time.Hour)
	t7 := now.Add(10 * 24 * time.Hour)
	t3 := now.Add(-10 * 24 * time.Hour)
	seedUsers(t, s,
		user("ahead", map[string]time.Time{"g1": t7}),
		user("behind", map[string]time.Time{"g1": t3}),
		user("equal", map[string]time.Time{"g1": t5}),
	)
	require.NoError(t, s.PutInstance(ctx, inst("i1", "g1", t5, 3, "ahead", "behind", "equal")))

	stats, err := NewProcessor(s, 0).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Credited)
	assert.Equal(t, 2, stats.NotAdvanced)

	assert.True(t, history(t, s, "ahead")["g1"].Equal(t7))
	assert.True(t, history(t, s, "behind")["g1"].Equal(t5))
	assert.True(t, history(t, s, "equal")["g1"].Equal(t5))
}

func TestRun_SpotsBoundary(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	start := now.Add(30 * time.Minute)
	seedUsers(t, s, user("a", nil), user("b", nil))
	require.NoError(t, s.PutInstance(ctx, inst("exact", "g1", start, 2, "a", "b")))
	require.NoError(t, s.PutInstance(ctx, inst("roomy", "g2", start, 5, "a")))

	stats, err := NewProcessor(s, 0).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Credited)

	h := history(t, s, "a")
	assert.True(t, h["g1"].Equal(start))
	assert.True(t, h["g2"].Equal(start))
	assert.True(t, history(t, s, "b")["g1"].Equal(start))
}

func TestRun_MalformedInstanceIsMarkedProcessed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	start := now.Add(time.Hour)
	seedUsers(t, s, user("a", nil))

	noGroup := inst("no-group", "", start, 1, "a")
	require.NoError(t, s.PutInstance(ctx, noGroup))
	noParticipants := inst("no-participants", "g1", start, 1)
	noParticipants.Participants = nil
	require.NoError(t, s.PutInstance(ctx, noParticipants))

	stats, err := NewProcessor(s, 0).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Malformed)
	assert.Equal(t, 0, stats.Credited)
	assert.Empty(t, history(t, s, "a"))

	for _, id := range []string{"no-group", "no-participants"} {
		got, err := s.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.AttendanceProcessed, id)
	}
}

func TestRun_IdempotentSecondRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedUsers(t, s, user("a", nil))
	require.NoError(t, s.PutInstance(ctx, inst("i1", "g1", now.Add(time.Hour), 1, "a")))

	p := NewProcessor(s, 0)
	_, err := p.Run(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, s.Commits())

	stats, err := p.Run(ctx, now.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AlreadyProcessed)
	assert.False(t, stats.Committed)
	assert.Equal(t, 1, s.Commits(), "nothing staged means no commit")
}

func TestRun_EmptyWindow(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.PutInstance(context.Background(), inst("later", "g1", now.Add(3*time.Hour), 1, "a")))
	require.NoError(t, s.PutInstance(context.Background(), inst("past", "g1", now.Add(-time.Minute), 1, "a")))

	stats, err := NewProcessor(s, 0).Run(context.Background(), now)
	require.NoError(t, err)
	assert.Zero(t, stats.Selected)
	assert.Zero(t, s.Commits())
}

func TestRun_WindowBoundsAreInclusive(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedUsers(t, s, user("a", nil), user("b", nil))
	require.NoError(t, s.PutInstance(ctx, inst("at-now", "g1", now, 1, "a")))
	require.NoError(t, s.PutInstance(ctx, inst("at-end", "g2", now.Add(DefaultLookahead), 1, "b")))

	stats, err := NewProcessor(s, 0).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Selected)
	assert.Equal(t, 2, stats.Credited)
}

func TestRun_MissingProfileIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedUsers(t, s, user("a", nil))
	require.NoError(t, s.PutInstance(ctx, inst("i1", "g1", now.Add(time.Hour), 2, "a", "deleted")))

	stats, err := NewProcessor(s, 0).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.MissingProfiles)
	assert.Equal(t, 1, stats.Credited)
	assert.True(t, stats.Committed)
}

func TestRun_SameUserTwoInstancesKeepsLatest(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	early := now.Add(30 * time.Minute)
	late := now.Add(90 * time.Minute)
	seedUsers(t, s, user("a", nil))
	require.NoError(t, s.PutInstance(ctx, inst("early", "g1", early, 1, "a")))
	require.NoError(t, s.PutInstance(ctx, inst("late", "g1", late, 1, "a")))

	stats, err := NewProcessor(s, 0).Run(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Credited)
	assert.True(t, history(t, s, "a")["g1"].Equal(late))
}

func TestRun_CommitFailureLeavesNothingWritten(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedUsers(t, s, user("a", nil))
	require.NoError(t, s.PutInstance(ctx, inst("i1", "g1", now.Add(time.Hour), 1, "a")))
	s.CommitErr = errors.New("unavailable")

	_, err := NewProcessor(s, 0).Run(ctx, now)
	require.Error(t, err)

	got, err := s.GetInstance(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, got.AttendanceProcessed)
	assert.Empty(t, history(t, s, "a"))
}

func TestRun_ProfileReadFailureAbortsRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	seedUsers(t, s, user("a", nil))
	require.NoError(t, s.PutInstance(ctx, inst("i1", "g1", now.Add(time.Hour), 1, "a")))
	s.UserReadErr["a"] = errors.New("deadline exceeded")

	_, err := NewProcessor(s, 0).Run(ctx, now)
	require.Error(t, err)
	assert.Zero(t, s.Commits())
}
