package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/history"
	"github.com/petervdpas/goopcall/internal/proto"
)

// InsertCall stores one history entry. Re-inserting the same call is a no-op,
// so a retried write that actually landed does not fail.
func (d *DB) InsertCall(ctx context.Context, owner string, e history.Entry) error {
	_, err := d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO call_history
			(owner_id, call_id, peer_id, peer_name, peer_avatar, media_kind, direction,
			 outcome, duration_seconds, failure_reason, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, call_id) DO NOTHING`),
		owner, e.CallID, e.PeerID, e.PeerName, e.PeerAvatar, string(e.Media), string(e.Direction),
		string(e.Outcome), e.DurationSec, e.FailureReason, e.StartedAt.UnixMilli(), e.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert call %s: %w", e.CallID, err)
	}
	return nil
}

// ListCalls returns up to limit entries, newest first.
func (d *DB) ListCalls(ctx context.Context, owner string, limit int) ([]history.Entry, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT call_id, peer_id, peer_name, peer_avatar, media_kind, direction,
		       outcome, duration_seconds, failure_reason, started_at, ended_at
		FROM call_history
		WHERE owner_id = ?
		ORDER BY started_at DESC
		LIMIT ?`), owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var e history.Entry
		var media, dir, outcome string
		var started, ended int64
		if err := rows.Scan(&e.CallID, &e.PeerID, &e.PeerName, &e.PeerAvatar, &media, &dir,
			&outcome, &e.DurationSec, &e.FailureReason, &started, &ended); err != nil {
			return nil, err
		}
		e.Media = proto.MediaKind(media)
		e.Direction = proto.Direction(dir)
		e.Outcome = history.Outcome(outcome)
		e.StartedAt = time.UnixMilli(started)
		e.EndedAt = time.UnixMilli(ended)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteCalls removes every entry of owner.
func (d *DB) DeleteCalls(ctx context.Context, owner string) error {
	if _, err := d.db.ExecContext(ctx, d.rebind(`DELETE FROM call_history WHERE owner_id = ?`), owner); err != nil {
		return fmt.Errorf("delete calls: %w", err)
	}
	return nil
}

var _ history.Store = (*DB)(nil)
