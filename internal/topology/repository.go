// Package topology persists bridges, channel links, and bridge-scoped KV
// state. It is the hot path for every inbound envelope: the router calls
// GetChannelLink and GetBridgeTopology once per message, so both are backed
// by the store's own indexes rather than an application-level cache.
package topology

import (
	"context"
	"errors"
	"time"
)

// Status gates whether a bridge relays traffic.
type Status string

const (
	StatusOn     Status = "on"
	StatusOff    Status = "off"
	StatusPaused Status = "paused"
)

// Bridge is a named group of channels that relay messages to one another.
type Bridge struct {
	ID        string
	Name      string
	Status    Status
	CreatedAt time.Time
}

// ChannelLink maps one native channel on one platform into one bridge.
type ChannelLink struct {
	BridgeID string
	Platform string
	NativeID string
	Config   map[string]string
	AddedAt  time.Time
}

// Link is the narrow projection GetChannelLink returns on the hot path.
type Link struct {
	BridgeID string
	Status   Status
}

// ErrNotFound is returned by lookups that found nothing; callers on the hot
// path (GetChannelLink, GetBridgeTopology) should prefer the nil/empty
// return forms below instead of propagating this — a missing channel link
// means "not bridged", not an error.
var ErrNotFound = errors.New("topology: not found")

// RepoError wraps every error this package returns to the caller. It never
// leaks the underlying SQL driver's error type.
type RepoError struct {
	Op  string
	Err error
}

func (e *RepoError) Error() string { return "topology: " + e.Op + ": " + e.Err.Error() }
func (e *RepoError) Unwrap() error { return e.Err }

// Repository is the Topology Repository contract the router and the
// administrative surface depend on.
type Repository interface {
	// GetChannelLink is the hot path: O(1) amortized over the
	// (platform, nativeId) unique index. Returns (nil, nil) when the
	// channel is not linked to any bridge.
	GetChannelLink(ctx context.Context, platform, nativeID string) (*Link, error)

	// GetBridgeTopology is the hot path: returns every channel linked to
	// bridgeID. Returns an empty (never nil) slice on error or when the
	// bridge has no channels, so call sites can range over the result
	// unconditionally.
	GetBridgeTopology(ctx context.Context, bridgeID string) []ChannelLink

	CreateBridge(ctx context.Context, name string) (string, error)
	UpdateBridgeStatus(ctx context.Context, bridgeID string, status Status) error
	GetBridge(ctx context.Context, bridgeID string) (*Bridge, error)
	ListBridges(ctx context.Context) ([]Bridge, error)

	// LinkChannelToBridge upserts on (platform, nativeId): linking an
	// already-linked channel to a different bridge moves it.
	LinkChannelToBridge(ctx context.Context, link ChannelLink) error
	UnlinkChannel(ctx context.Context, platform, nativeID string) error

	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
	DeleteKV(ctx context.Context, key string) error

	Close() error
}
