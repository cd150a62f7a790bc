package gossip

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// PeerInfo is what the mesh knows about one discovered or dialed peer.
type PeerInfo struct {
	PeerID   string
	MeshAddr string
	Tags     []string
}

// PeerTable is the TTL-based peer set: entries expire automatically
// when a peer stops announcing or heartbeating.
type PeerTable struct {
	cache *ttlcache.Cache[string, PeerInfo]
}

// NewPeerTable creates a table whose entries expire after ttl unless
// refreshed by Upsert.
func NewPeerTable(ttl time.Duration) *PeerTable {
	cache := ttlcache.New[string, PeerInfo](
		ttlcache.WithTTL[string, PeerInfo](ttl),
	)
	return &PeerTable{cache: cache}
}

// Run starts the cache's expiry loop; blocks until ctx is done.
func (pt *PeerTable) Run(ctx context.Context) {
	go pt.cache.Start()
	<-ctx.Done()
	pt.cache.Stop()
}

// Upsert records or refreshes a peer's entry, resetting its TTL.
func (pt *PeerTable) Upsert(info PeerInfo) {
	pt.cache.Set(info.PeerID, info, ttlcache.DefaultTTL)
}

// Remove evicts a peer immediately, regardless of its remaining TTL.
func (pt *PeerTable) Remove(peerID string) {
	pt.cache.Delete(peerID)
}

// Get returns the current entry for peerID, if present and unexpired.
func (pt *PeerTable) Get(peerID string) (PeerInfo, bool) {
	item := pt.cache.Get(peerID)
	if item == nil {
		return PeerInfo{}, false
	}
	return item.Value(), true
}

// Snapshot returns every currently live peer.
func (pt *PeerTable) Snapshot() []PeerInfo {
	items := pt.cache.Items()
	out := make([]PeerInfo, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	return out
}

// OnNew registers fn to be called when a peer is first discovered
// (not on refreshes of an already-known peer). fn runs on its own
// goroutine, so calls for different peers may arrive in any order.
func (pt *PeerTable) OnNew(fn func(PeerInfo)) {
	pt.cache.OnInsertion(func(ctx context.Context, item *ttlcache.Item[string, PeerInfo]) {
		fn(item.Value())
	})
}

// OnExpired registers fn to be called whenever a peer's entry expires.
func (pt *PeerTable) OnExpired(fn func(PeerInfo)) {
	pt.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, PeerInfo]) {
		if reason == ttlcache.EvictionReasonExpired {
			fn(item.Value())
		}
	})
}
