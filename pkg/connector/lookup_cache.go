package connector

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"maunium.net/go/mautrix/id"
)

// LookupSource is the network side of the LookupCache.
type LookupSource interface {
	DisplayName(ctx context.Context, userID id.UserID) (string, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// MediaBlob is a downloaded media payload with the Content-Type it was served with.
type MediaBlob struct {
	Data        []byte
	ContentType string
}

// LookupCache memoizes display names and media payloads for one run. Both
// caches are bounded LRUs without expiry. Failed lookups are never cached,
// and concurrent misses for the same key share a single request.
type LookupCache struct {
	source  LookupSource
	metrics *Metrics
	log     zerolog.Logger

	names       *lru.Cache[id.UserID, string]
	media       *lru.Cache[string, MediaBlob]
	nameFlight  singleflight.Group
	mediaFlight singleflight.Group
}

func NewLookupCache(source LookupSource, nameSize, mediaSize int, metrics *Metrics, log zerolog.Logger) (*LookupCache, error) {
	names, err := lru.New[id.UserID, string](nameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create display name cache: %w", err)
	}
	media, err := lru.New[string, MediaBlob](mediaSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create media cache: %w", err)
	}
	return &LookupCache{
		source:  source,
		metrics: metrics,
		log:     log.With().Str("component", "lookup_cache").Logger(),
		names:   names,
		media:   media,
	}, nil
}

// DisplayNameOf returns the display name of userID. A user without a
// profile (404) resolves to the raw user ID.
func (lc *LookupCache) DisplayNameOf(ctx context.Context, userID id.UserID) (string, error) {
	if name, ok := lc.names.Get(userID); ok {
		lc.metrics.cacheLookup("display_name", true)
		return name, nil
	}
	lc.metrics.cacheLookup("display_name", false)
	val, err, _ := lc.nameFlight.Do(string(userID), func() (any, error) {
		name, err := lc.source.DisplayName(ctx, userID)
		if isNotFound(err) {
			lc.log.Debug().Stringer("user_id", userID).Msg("User has no profile, using raw user ID")
			name, err = string(userID), nil
		}
		if err != nil {
			return "", err
		}
		lc.names.Add(userID, name)
		return name, nil
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// CachedMedia returns the payload for url if it was fetched earlier in this run.
func (lc *LookupCache) CachedMedia(url string) (MediaBlob, bool) {
	return lc.media.Get(url)
}

// MediaBytesOf returns the payload served at url, downloading it on a miss.
func (lc *LookupCache) MediaBytesOf(ctx context.Context, url string) (MediaBlob, error) {
	if blob, ok := lc.media.Get(url); ok {
		lc.metrics.cacheLookup("media", true)
		return blob, nil
	}
	lc.metrics.cacheLookup("media", false)
	val, err, _ := lc.mediaFlight.Do(url, func() (any, error) {
		data, contentType, err := lc.source.Download(ctx, url)
		if err != nil {
			return MediaBlob{}, err
		}
		blob := MediaBlob{Data: data, ContentType: contentType}
		lc.media.Add(url, blob)
		return blob, nil
	})
	if err != nil {
		return MediaBlob{}, err
	}
	return val.(MediaBlob), nil
}
