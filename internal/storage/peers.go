package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
)

// CachedPeer is the last known identity of someone the owner has called or
// been called by. Empty name or avatar never overwrite a known value.
type CachedPeer struct {
	PeerID   string    `json:"peer_id"`
	Name     string    `json:"peer_name"`
	Avatar   string    `json:"peer_avatar"`
	LastCall time.Time `json:"last_call_at"`
}

// UpsertCachedPeer stores or refreshes the cached identity of a peer.
func (d *DB) UpsertCachedPeer(ctx context.Context, owner string, p CachedPeer) error {
	if p.LastCall.IsZero() {
		p.LastCall = time.Now()
	}
	_, err := d.db.ExecContext(ctx, d.rebind(`
		INSERT INTO peer_cache (owner_id, peer_id, name, avatar, last_call_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, peer_id) DO UPDATE SET
			name         = CASE WHEN excluded.name = '' THEN peer_cache.name ELSE excluded.name END,
			avatar       = CASE WHEN excluded.avatar = '' THEN peer_cache.avatar ELSE excluded.avatar END,
			last_call_at = excluded.last_call_at`),
		owner, p.PeerID, p.Name, p.Avatar, p.LastCall.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert peer %s: %w", p.PeerID, err)
	}
	return nil
}

// GetCachedPeer returns the cached identity of a peer, or false if unknown.
func (d *DB) GetCachedPeer(ctx context.Context, owner, peerID string) (CachedPeer, bool) {
	var p CachedPeer
	var last int64
	err := d.db.QueryRowContext(ctx, d.rebind(`
		SELECT peer_id, name, avatar, last_call_at
		FROM peer_cache WHERE owner_id = ? AND peer_id = ?`), owner, peerID).
		Scan(&p.PeerID, &p.Name, &p.Avatar, &last)
	if err != nil {
		return CachedPeer{}, false
	}
	p.LastCall = time.UnixMilli(last)
	return p, true
}

// ListCachedPeers returns the owner's peers, most recently called first.
func (d *DB) ListCachedPeers(ctx context.Context, owner string, limit int) ([]CachedPeer, error) {
	rows, err := d.db.QueryContext(ctx, d.rebind(`
		SELECT peer_id, name, avatar, last_call_at
		FROM peer_cache WHERE owner_id = ?
		ORDER BY last_call_at DESC
		LIMIT ?`), owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()
	var peers []CachedPeer
	for rows.Next() {
		var p CachedPeer
		var last int64
		if err := rows.Scan(&p.PeerID, &p.Name, &p.Avatar, &last); err != nil {
			return nil, err
		}
		p.LastCall = time.UnixMilli(last)
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// DeleteCachedPeer forgets a peer.
func (d *DB) DeleteCachedPeer(ctx context.Context, owner, peerID string) error {
	_, err := d.db.ExecContext(ctx, d.rebind(`DELETE FROM peer_cache WHERE owner_id = ? AND peer_id = ?`), owner, peerID)
	return err
}

// PeerDirectory binds the peer cache to one owner.
type PeerDirectory struct {
	db    *DB
	owner string
}

func (d *DB) Peers(owner string) *PeerDirectory {
	return &PeerDirectory{db: d, owner: owner}
}

// RememberPeer records p as called now.
func (pd *PeerDirectory) RememberPeer(ctx context.Context, p proto.Peer) error {
	return pd.db.UpsertCachedPeer(ctx, pd.owner, CachedPeer{
		PeerID: p.ID,
		Name:   p.DisplayName,
		Avatar: p.AvatarRef,
	})
}

// LookupPeer fills in a known display name and avatar for id.
func (pd *PeerDirectory) LookupPeer(ctx context.Context, id string) (proto.Peer, bool) {
	c, ok := pd.db.GetCachedPeer(ctx, pd.owner, id)
	if !ok {
		return proto.Peer{}, false
	}
	return proto.Peer{ID: c.PeerID, DisplayName: c.Name, AvatarRef: c.Avatar}, true
}

func (pd *PeerDirectory) Recent(ctx context.Context, limit int) ([]CachedPeer, error) {
	return pd.db.ListCachedPeers(ctx, pd.owner, limit)
}
