package storage

import (
	"context"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCallHistoryRoundTrip(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	for i, outcome := range []history.Outcome{history.Missed, history.Completed, history.Failed} {
		e := history.Entry{
			CallID:    []string{"a", "b", "c"}[i],
			PeerID:    "u2",
			PeerName:  "Bob",
			Media:     proto.MediaAudioVideo,
			Direction: proto.Incoming,
			Outcome:   outcome,
			StartedAt: base.Add(time.Duration(i) * time.Minute),
			EndedAt:   base.Add(time.Duration(i)*time.Minute + 30*time.Second),
		}
		if outcome == history.Completed {
			e.DurationSec = 25
		}
		if outcome == history.Failed {
			e.FailureReason = "connect timeout"
		}
		require.NoError(t, db.InsertCall(ctx, "me", e))
	}
	require.NoError(t, db.InsertCall(ctx, "someone-else", history.Entry{
		CallID: "a", PeerID: "me", Media: proto.MediaAudio, Direction: proto.Outgoing,
		Outcome: history.NoAnswer, StartedAt: base, EndedAt: base,
	}))

	got, err := db.ListCalls(ctx, "me", 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].CallID)
	assert.Equal(t, history.Failed, got[0].Outcome)
	assert.Equal(t, "connect timeout", got[0].FailureReason)
	assert.Equal(t, int64(25), got[1].DurationSec)
	assert.Equal(t, proto.MediaAudioVideo, got[2].Media)
	assert.Equal(t, proto.Incoming, got[2].Direction)
	assert.True(t, got[2].StartedAt.Equal(base))

	limited, err := db.ListCalls(ctx, "me", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, db.DeleteCalls(ctx, "me"))
	got, err = db.ListCalls(ctx, "me", 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	other, err := db.ListCalls(ctx, "someone-else", 10)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestInsertCallIsIdempotent(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	e := history.Entry{CallID: "x", PeerID: "u2", Media: proto.MediaAudio, Direction: proto.Outgoing,
		Outcome: history.Cancelled, StartedAt: time.Now(), EndedAt: time.Now()}

	require.NoError(t, db.InsertCall(ctx, "me", e))
	require.NoError(t, db.InsertCall(ctx, "me", e))

	got, err := db.ListCalls(ctx, "me", 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecorderOverSQLite(t *testing.T) {
	db := openTemp(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := history.New("me", db, history.Options{Cap: 5}, zerolog.Nop())
	go rec.Run(ctx)

	require.NoError(t, rec.Record(history.Entry{CallID: "k1", PeerID: "u2", Media: proto.MediaAudio,
		Direction: proto.Outgoing, Outcome: history.Declined, StartedAt: time.Now(), EndedAt: time.Now()}))

	require.Eventually(t, func() bool {
		got, err := db.ListCalls(context.Background(), "me", 5)
		return err == nil && len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	fresh := history.New("me", db, history.Options{Cap: 5}, zerolog.Nop())
	require.NoError(t, fresh.Load(context.Background()))
	require.Len(t, fresh.Entries(), 1)
	assert.Equal(t, history.Declined, fresh.Entries()[0].Outcome)
}

func TestPeerCacheKeepsKnownFields(t *testing.T) {
	db := openTemp(t)
	ctx := context.Background()
	dir := db.Peers("me")

	require.NoError(t, dir.RememberPeer(ctx, proto.Peer{ID: "u2", DisplayName: "Bob", AvatarRef: "bob.png"}))
	require.NoError(t, dir.RememberPeer(ctx, proto.Peer{ID: "u2"}))

	p, ok := dir.LookupPeer(ctx, "u2")
	require.True(t, ok)
	assert.Equal(t, "Bob", p.DisplayName)
	assert.Equal(t, "bob.png", p.AvatarRef)

	_, ok = db.Peers("other").LookupPeer(ctx, "u2")
	assert.False(t, ok)

	recent, err := dir.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)

	require.NoError(t, db.DeleteCachedPeer(ctx, "me", "u2"))
	_, ok = dir.LookupPeer(ctx, "u2")
	assert.False(t, ok)
}

func TestRebindForPostgres(t *testing.T) {
	d := &DB{dialect: dialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", d.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	d = &DB{dialect: dialectSQLite}
	assert.Equal(t, "x = ?", d.rebind("x = ?"))
}
