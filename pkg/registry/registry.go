// Package registry is the only component that talks to the shared key-value
// store. It tracks which edge pod owns which tunnel and caches slug
// resolutions, so a fleet of pods can coordinate without talking to each other.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	tunnelKeyPrefix = "tunnel:"
	slugKeyPrefix   = "slug:"
)

// tunnelKey builds the ownership key for a tunnel.
func tunnelKey(tunnelID string) string {
	return tunnelKeyPrefix + tunnelID
}

// podTunnelsKey builds the key of the set of tunnels owned by a pod.
func podTunnelsKey(podID string) string {
	return fmt.Sprintf("pod:%s:tunnels", podID)
}

// slugKey builds the slug-cache key.
func slugKey(slug string) string {
	return slugKeyPrefix + slug
}

// Registry is the Redis-backed tunnel ownership registry and slug cache for
// one pod. Ownership records carry a TTL so records abandoned by a crashed
// pod expire on their own.
type Registry struct {
	rdb     *redis.Client
	podID   string
	ownTTL  time.Duration
	slugTTL time.Duration
	logger  *slog.Logger
}

// New creates a Registry scoped to the given pod identity.
func New(rdb *redis.Client, podID string, ownTTL, slugTTL time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		rdb:     rdb,
		podID:   podID,
		ownTTL:  ownTTL,
		slugTTL: slugTTL,
		logger:  logger,
	}
}

// PodID returns this pod's identity as written to the store.
func (r *Registry) PodID() string {
	return r.podID
}

// RegisterTunnel claims ownership of a tunnel for this pod. The claim is
// atomic (create-if-absent): exactly one pod wins a concurrent race.
// On success registered is true. On conflict registered is false and owner
// names the pod currently holding the tunnel.
//
// The ownership key and the pod set are written separately on purpose: the
// set is only consulted by its owning pod at teardown, and the TTL on the
// ownership key is the backstop for any drift.
func (r *Registry) RegisterTunnel(ctx context.Context, tunnelID string) (registered bool, owner string, err error) {
	key := tunnelKey(tunnelID)

	wasSet, err := r.rdb.SetNX(ctx, key, r.podID, r.ownTTL).Result()
	if err != nil {
		return false, "", fmt.Errorf("claiming tunnel %s: %w", tunnelID, err)
	}

	if !wasSet {
		existing, err := r.rdb.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, "", fmt.Errorf("reading tunnel %s holder: %w", tunnelID, err)
		}
		r.logger.Warn("tunnel already registered",
			"tunnel_id", tunnelID,
			"existing_pod", existing,
			"this_pod", r.podID,
		)
		return false, existing, nil
	}

	if err := r.rdb.SAdd(ctx, podTunnelsKey(r.podID), tunnelID).Err(); err != nil {
		return false, "", fmt.Errorf("recording tunnel %s in pod set: %w", tunnelID, err)
	}

	r.logger.Info("tunnel registered", "tunnel_id", tunnelID, "pod_id", r.podID)
	return true, "", nil
}

// RemoveTunnel deletes the ownership record and the pod-set entry for a
// tunnel. Idempotent.
func (r *Registry) RemoveTunnel(ctx context.Context, tunnelID string) error {
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, tunnelKey(tunnelID))
	pipe.SRem(ctx, podTunnelsKey(r.podID), tunnelID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing tunnel %s: %w", tunnelID, err)
	}

	r.logger.Info("tunnel unregistered", "tunnel_id", tunnelID, "pod_id", r.podID)
	return nil
}

// RefreshTTL re-extends the ownership record for a live tunnel. Called on
// each heartbeat success so long-lived tunnels stay visible across the fleet.
func (r *Registry) RefreshTTL(ctx context.Context, tunnelID string) error {
	if err := r.rdb.Expire(ctx, tunnelKey(tunnelID), r.ownTTL).Err(); err != nil {
		return fmt.Errorf("refreshing tunnel %s ttl: %w", tunnelID, err)
	}
	return nil
}

// OwnerOf returns the pod currently holding a tunnel, or "" if unowned.
func (r *Registry) OwnerOf(ctx context.Context, tunnelID string) (string, error) {
	owner, err := r.rdb.Get(ctx, tunnelKey(tunnelID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading tunnel %s owner: %w", tunnelID, err)
	}
	return owner, nil
}

// CacheSlug stores a slug resolution with the cache TTL, overwriting any
// previous value.
func (r *Registry) CacheSlug(ctx context.Context, slug, tunnelID string) error {
	if err := r.rdb.Set(ctx, slugKey(slug), tunnelID, r.slugTTL).Err(); err != nil {
		return fmt.Errorf("caching slug %s: %w", slug, err)
	}
	r.logger.Debug("slug cached", "slug", slug, "tunnel_id", tunnelID)
	return nil
}

// CachedSlug returns the cached tunnel id for a slug, or "" on a miss.
// A store error is returned as an error, never as a miss.
func (r *Registry) CachedSlug(ctx context.Context, slug string) (string, error) {
	tunnelID, err := r.rdb.Get(ctx, slugKey(slug)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading cached slug %s: %w", slug, err)
	}

	r.logger.Debug("slug cache hit", "slug", slug, "tunnel_id", tunnelID)
	return tunnelID, nil
}

// Teardown erases every ownership record held by this pod plus the pod set
// itself. Called on shutdown so orphaned records do not linger for a full TTL.
func (r *Registry) Teardown(ctx context.Context) error {
	setKey := podTunnelsKey(r.podID)

	tunnelIDs, err := r.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("listing pod tunnels: %w", err)
	}

	pipe := r.rdb.Pipeline()
	for _, id := range tunnelIDs {
		pipe.Del(ctx, tunnelKey(id))
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("tearing down pod tunnels: %w", err)
	}

	r.logger.Info("cleaned up pod tunnels", "pod_id", r.podID, "count", len(tunnelIDs))
	return nil
}
