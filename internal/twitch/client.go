package twitch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	gamesCacheSize = 100
	// Tokens are refreshed proactively when closer than this to expiry.
	refreshMargin = 600 * time.Second
)

// Client is the authenticated upstream API client shared by the dispatcher
// and all watcher actors. The identity is the only mutable shared state; it
// is cloned out under the mutex so no lock is held across network I/O.
type Client struct {
	oauth *OauthClient
	clock clockwork.Clock

	mu       sync.Mutex
	identity *Identity

	games      *lru.Cache[string, *Game]
	gamesGroup singleflight.Group
}

// NewClient authorizes against the token endpoint and returns a ready client.
func NewClient(ctx context.Context, oauth *OauthClient) (*Client, error) {
	identity, err := oauth.Authorize(ctx)
	if err != nil {
		return nil, err
	}

	games, err := lru.New[string, *Game](gamesCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create games cache: %w", err)
	}

	return &Client{
		oauth:    oauth,
		clock:    oauth.clock,
		identity: identity,
		games:    games,
	}, nil
}

func (c *Client) currentIdentity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Authorized reports whether the client holds an unexpired token. The
// readiness probe uses this.
func (c *Client) Authorized() bool {
	identity := c.currentIdentity()
	return identity != nil && identity.ExpiresAt.After(c.clock.Now())
}

// RefreshAuth re-authorizes when the current identity expires within ten
// minutes and atomically swaps the shared identity.
func (c *Client) RefreshAuth(ctx context.Context) error {
	identity := c.currentIdentity()
	if identity.ExpiresAt.After(c.clock.Now().Add(refreshMargin)) {
		return nil
	}

	slog.InfoContext(ctx, "Refreshing oauth token...")
	fresh, err := c.oauth.Authorize(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.identity = fresh
	c.mu.Unlock()
	return nil
}

// GetGameByID resolves a category. The empty id short-circuits to the shared
// empty sentinel without touching cache or network. Cache misses for the same
// id are collapsed so concurrent watchers trigger a single lookup.
func (c *Client) GetGameByID(ctx context.Context, id string) (*Game, error) {
	if id == "" {
		return EmptyGame(), nil
	}

	if game, ok := c.games.Get(id); ok {
		metrics.GameCacheHits.Inc()
		return game, nil
	}
	metrics.GameCacheMisses.Inc()

	val, err, _ := c.gamesGroup.Do(id, func() (any, error) {
		if game, ok := c.games.Get(id); ok {
			return game, nil
		}

		query := url.Values{"id": {id}}
		game, err := get(ctx, c.oauth, c.currentIdentity(), "games", query, func(b []byte) (*Game, error) {
			body, err := decode[Game](b)
			if err != nil {
				return nil, err
			}
			if len(body.Data) == 0 {
				return nil, &NotFoundError{Kind: "Game", Query: id}
			}
			return &body.Data[0], nil
		})
		if err != nil {
			return nil, err
		}

		if c.games.Add(id, game) {
			metrics.GameCacheEvictions.Inc()
		}
		return game, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*Game), nil
}

// GetStreamsByLogin fetches the batched live status for all given logins.
// Only logins currently live appear in the result.
func (c *Client) GetStreamsByLogin(ctx context.Context, logins []string) ([]Stream, error) {
	query := url.Values{"user_login": logins}
	return get(ctx, c.oauth, c.currentIdentity(), "streams", query, func(b []byte) ([]Stream, error) {
		body, err := decode[Stream](b)
		if err != nil {
			return nil, err
		}
		return body.Data, nil
	})
}

func (c *Client) GetVideoByID(ctx context.Context, id string) (*Video, error) {
	query := url.Values{"id": {id}}
	return get(ctx, c.oauth, c.currentIdentity(), "videos", query, func(b []byte) (*Video, error) {
		body, err := decode[Video](b)
		if err != nil {
			return nil, err
		}
		if len(body.Data) == 0 {
			return nil, &NotFoundError{Kind: "Video", Query: id}
		}
		return &body.Data[0], nil
	})
}

// GetVideoByStream finds the archive recording of the given live session.
// Recordings only appear after the session starts, so anything created
// earlier belongs to a previous broadcast.
func (c *Client) GetVideoByStream(ctx context.Context, stream *Stream) (*Video, error) {
	query := url.Values{
		"type":    {"archive"},
		"first":   {"5"},
		"user_id": {stream.UserID},
	}
	return get(ctx, c.oauth, c.currentIdentity(), "videos", query, func(b []byte) (*Video, error) {
		body, err := decode[Video](b)
		if err != nil {
			return nil, err
		}
		for i := range body.Data {
			v := &body.Data[i]
			if v.Kind == VideoTypeArchive && !v.CreatedAt.Before(stream.StartedAt) {
				return v, nil
			}
		}
		return nil, &NotFoundError{Kind: "Video", Query: stream.UserID}
	})
}

// GetVideos fetches recordings by id; duplicates are collapsed.
func (c *Client) GetVideos(ctx context.Context, ids []string) ([]Video, error) {
	query := url.Values{"id": dedup(ids)}
	return get(ctx, c.oauth, c.currentIdentity(), "videos", query, func(b []byte) ([]Video, error) {
		body, err := decode[Video](b)
		if err != nil {
			return nil, err
		}
		return body.Data, nil
	})
}

// GetTopClips fetches up to limit clips created since startedAt. The API
// filters after limiting, so the request always asks for the maximum page and
// truncates client-side.
func (c *Client) GetTopClips(ctx context.Context, broadcasterID string, startedAt time.Time, limit int) ([]Clip, error) {
	query := url.Values{
		"first":          {"100"},
		"broadcaster_id": {broadcasterID},
		"started_at":     {startedAt.UTC().Format("2006-01-02T15:04:05Z")},
	}
	return get(ctx, c.oauth, c.currentIdentity(), "clips", query, func(b []byte) ([]Clip, error) {
		body, err := decode[Clip](b)
		if err != nil {
			return nil, err
		}
		clips := body.Data
		if len(clips) > limit {
			clips = clips[:limit]
		}
		return clips, nil
	})
}

var (
	widthPattern  = regexp.MustCompile(`%?\{width\}`)
	heightPattern = regexp.MustCompile(`%?\{height\}`)
)

// GetThumbnail substitutes the size placeholders in a thumbnail URL template
// and fetches the image bytes. Plain fetch, no retries; a cache-busting
// timestamp defeats CDN staleness right after a stream goes live.
func (c *Client) GetThumbnail(ctx context.Context, urlTemplate string) ([]byte, error) {
	full := widthPattern.ReplaceAllString(urlTemplate, "1920")
	full = heightPattern.ReplaceAllString(full, "1080")
	full += fmt.Sprintf("?t=%d", c.clock.Now().Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.oauth.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return io.ReadAll(resp.Body)
	case resp.StatusCode == http.StatusNotFound:
		return nil, &NotFoundError{Kind: "Thumbnail", Query: urlTemplate}
	default:
		return nil, &HTTPError{Status: resp.StatusCode}
	}
}

func dedup(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func decode[T any](b []byte) (twitchData[T], error) {
	var body twitchData[T]
	if err := json.Unmarshal(b, &body); err != nil {
		return body, &DeserializeError{Err: err}
	}
	return body, nil
}
