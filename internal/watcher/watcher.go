// Package watcher implements the per-channel stream lifecycle state machine.
// A watcher consumes the live/offline observations the dispatcher routes to
// it and decides when notifications go out. Each watcher is owned by exactly
// one goroutine, so the state needs no locking.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/config"
	"github.com/MinnDevelopment/strumbot/internal/metrics"
	"github.com/MinnDevelopment/strumbot/internal/twitch"
	"github.com/jonboulle/clockwork"
)

// StreamAPI is the slice of the upstream client the watcher needs for
// enrichment lookups.
type StreamAPI interface {
	GetGameByID(ctx context.Context, id string) (*twitch.Game, error)
	GetVideoByID(ctx context.Context, id string) (*twitch.Video, error)
	GetVideos(ctx context.Context, ids []string) ([]twitch.Video, error)
	GetVideoByStream(ctx context.Context, stream *twitch.Stream) (*twitch.Video, error)
	GetTopClips(ctx context.Context, broadcasterID string, startedAt time.Time, limit int) ([]twitch.Clip, error)
	GetThumbnail(ctx context.Context, urlTemplate string) ([]byte, error)
}

// Sink receives finished notifications. Rendering is the sink's concern; the
// watcher only fills the content string and the structured episode payload.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// State is the outcome of handling one event.
type State int

const (
	// StateUnchanged means nothing worth persisting happened.
	StateUnchanged State = iota
	// StateUpdated means the watcher mutated state that should be persisted.
	StateUpdated
	// StateEnded means the session is over and the actor should terminate.
	StateEnded
)

// StreamUpdate is one observation from the poll loop: a live snapshot, or the
// channel's absence from the batch result.
type StreamUpdate struct {
	stream *twitch.Stream
}

func Live(s *twitch.Stream) StreamUpdate { return StreamUpdate{stream: s} }
func Offline() StreamUpdate              { return StreamUpdate{} }

// Segment is one contiguous (category, recording) pairing within a session.
// The video id stays empty when the recording has not appeared yet.
type Segment struct {
	Game     *twitch.Game `json:"game"`
	Position int          `json:"position"` // seconds from session start
	VideoID  string       `json:"video_id"`
}

// StreamWatcher is the persisted per-channel record. The exported fields
// round-trip through the cache; config and clock are re-attached on restore.
type StreamWatcher struct {
	UserLogin string     `json:"user_login"`
	UserName  string     `json:"user_name"`
	UserID    string     `json:"user_id"`
	StreamID  string     `json:"stream_id"`
	Segments  []Segment  `json:"segments"`
	StartedAt time.Time  `json:"started_at"`
	OfflineAt *time.Time `json:"offline_timestamp,omitempty"` // grace-period deadline

	cfg   *config.Config
	clock clockwork.Clock
}

func New(login string, cfg *config.Config, clock clockwork.Clock) *StreamWatcher {
	return &StreamWatcher{
		UserLogin: login,
		cfg:       cfg,
		clock:     clock,
	}
}

// Attach re-injects the runtime dependencies after a restore from the cache.
func (w *StreamWatcher) Attach(cfg *config.Config, clock clockwork.Clock) *StreamWatcher {
	w.cfg = cfg
	w.clock = clock
	return w
}

// Update advances the state machine by one observation.
//
// NotFound and Deserialize failures from enrichment lookups degrade to
// defaults; any other error is returned with the watcher state untouched, so
// the next poll cycle can retrigger the same transition.
func (w *StreamWatcher) Update(ctx context.Context, api StreamAPI, sink Sink, update StreamUpdate) (State, error) {
	switch {
	case update.stream == nil:
		return w.onOffline(ctx, api, sink)
	case len(w.Segments) == 0:
		return w.onGoLive(ctx, api, sink, update.stream)
	default:
		return w.onUpdate(ctx, api, sink, update.stream)
	}
}

// onGoLive gathers everything it needs before touching the watcher, so a
// failed enrichment or send leaves the idle state intact and the next poll
// cycle retriggers the whole transition.
func (w *StreamWatcher) onGoLive(ctx context.Context, api StreamAPI, sink Sink, s *twitch.Stream) (State, error) {
	game, err := w.resolveGame(ctx, api, s.GameID)
	if err != nil {
		return StateUnchanged, err
	}
	videoID, err := w.lookupVideoID(ctx, api, s)
	if err != nil {
		return StateUnchanged, err
	}

	name := s.UserName
	if name == "" {
		name = w.UserLogin
	}

	if w.cfg.EventEnabled(config.EventLive) {
		content := fmt.Sprintf("%s is live with **%s**!", name, game.Name)
		if game.IsEmpty() {
			content = fmt.Sprintf("%s is live!", name)
		}

		n := Notification{
			Event:   config.EventLive,
			Content: withMention(w.cfg.RoleMention(config.EventLive), content),
			Episode: Episode{
				Channel:   name,
				Title:     s.Title,
				Category:  game.Name,
				URL:       w.channelURL(),
				StartedAt: s.StartedAt,
				Thumbnail: w.fetchThumbnail(ctx, api, s.ThumbnailURL),
			},
		}
		if err := w.send(ctx, sink, n); err != nil {
			return StateUnchanged, err
		}
	}

	w.UserID = s.UserID
	w.UserName = s.UserName
	w.StreamID = s.ID
	w.StartedAt = s.StartedAt
	w.OfflineAt = nil
	w.Segments = []Segment{{Game: game, Position: 0, VideoID: videoID}}

	slog.InfoContext(ctx, "Channel went live", "channel", w.UserLogin, "game", game.Name, "stream_id", s.ID)
	return StateUpdated, nil
}

func (w *StreamWatcher) onUpdate(ctx context.Context, api StreamAPI, sink Sink, s *twitch.Stream) (State, error) {
	wasGrace := w.OfflineAt != nil
	last := w.Segments[len(w.Segments)-1]
	streamChanged := s.ID != w.StreamID
	gameChanged := s.GameID != last.Game.ID

	if !streamChanged && !gameChanged {
		if wasGrace {
			w.OfflineAt = nil
			slog.InfoContext(ctx, "Channel came back within the grace period", "channel", w.UserLogin)
			return StateUpdated, nil
		}
		return StateUnchanged, nil
	}

	game := last.Game
	if gameChanged {
		var err error
		game, err = w.resolveGame(ctx, api, s.GameID)
		if err != nil {
			return StateUnchanged, err
		}
	}

	// A category change segments at the current offset; a broadcast-only
	// change restarts the recording, so its segment starts at zero.
	position := 0
	if gameChanged {
		position = int(w.clock.Now().Sub(w.StartedAt) / time.Second)
	}

	videoID, err := w.lookupVideoID(ctx, api, s)
	if err != nil {
		return StateUnchanged, err
	}

	if gameChanged && w.cfg.EventEnabled(config.EventUpdate) {
		n := Notification{
			Event:   config.EventUpdate,
			Content: withMention(w.cfg.RoleMention(config.EventUpdate), fmt.Sprintf("%s switched game to **%s**!", w.displayName(), game.Name)),
			Episode: Episode{
				Channel:   w.displayName(),
				Title:     s.Title,
				Category:  game.Name,
				URL:       w.channelURL(),
				StartedAt: w.StartedAt,
				Thumbnail: w.fetchThumbnail(ctx, api, s.ThumbnailURL),
			},
		}
		if err := w.send(ctx, sink, n); err != nil {
			return StateUnchanged, err
		}
	}

	w.Segments = append(w.Segments, Segment{Game: game, Position: position, VideoID: videoID})
	w.OfflineAt = nil
	if streamChanged {
		w.StreamID = s.ID
		if !gameChanged {
			slog.InfoContext(ctx, "New broadcast id without category change", "channel", w.UserLogin, "stream_id", s.ID)
		}
	}
	return StateUpdated, nil
}

func (w *StreamWatcher) onOffline(ctx context.Context, api StreamAPI, sink Sink) (State, error) {
	if len(w.Segments) == 0 {
		return StateUnchanged, nil
	}

	now := w.clock.Now()
	if w.OfflineAt == nil {
		deadline := now.Add(w.cfg.OfflineGracePeriod)
		w.OfflineAt = &deadline
		slog.InfoContext(ctx, "Channel went offline, starting grace period", "channel", w.UserLogin, "deadline", deadline)
		return StateUpdated, nil
	}
	if now.Before(*w.OfflineAt) {
		return StateUnchanged, nil
	}

	if !w.cfg.EventEnabled(config.EventVod) {
		w.Segments = nil
		w.OfflineAt = nil
		slog.InfoContext(ctx, "Session ended", "channel", w.UserLogin)
		return StateEnded, nil
	}

	n, err := w.buildVodNotification(ctx, api)
	if err != nil {
		return StateUnchanged, err
	}
	if err := w.send(ctx, sink, *n); err != nil {
		return StateUnchanged, err
	}

	w.Segments = nil
	w.OfflineAt = nil
	slog.InfoContext(ctx, "Session ended", "channel", w.UserLogin)
	return StateEnded, nil
}

func (w *StreamWatcher) buildVodNotification(ctx context.Context, api StreamAPI) (*Notification, error) {
	var episode *twitch.Video
	if id := w.Segments[0].VideoID; id != "" {
		v, err := api.GetVideoByID(ctx, id)
		switch {
		case err == nil:
			episode = v
		case twitch.IsDataGap(err):
			slog.WarnContext(ctx, "Episode recording unavailable", "channel", w.UserLogin, "video_id", id, "error", err)
		default:
			return nil, err
		}
	}

	var ids []string
	for _, seg := range w.Segments {
		if seg.VideoID != "" {
			ids = append(ids, seg.VideoID)
		}
	}

	var videos []twitch.Video
	if len(ids) > 0 {
		vs, err := api.GetVideos(ctx, ids)
		switch {
		case err == nil:
			videos = vs
		case twitch.IsDataGap(err):
			slog.WarnContext(ctx, "Session recordings unavailable", "channel", w.UserLogin, "error", err)
		default:
			return nil, err
		}
	}

	var total twitch.VideoDuration
	for _, v := range videos {
		total += v.Duration
	}

	var clips []twitch.Clip
	if w.cfg.TopClips > 0 && w.UserID != "" {
		cs, err := api.GetTopClips(ctx, w.UserID, w.StartedAt, w.cfg.TopClips)
		switch {
		case err == nil:
			clips = cs
		case twitch.IsDataGap(err):
			slog.WarnContext(ctx, "Top clips unavailable", "channel", w.UserLogin, "error", err)
		default:
			return nil, err
		}
	}

	title := fmt.Sprintf("%s was live", w.displayName())
	var episodeURL string
	var thumbnail []byte
	if episode != nil {
		title = episode.Title
		episodeURL = episode.URL
		thumbnail = w.fetchThumbnail(ctx, api, episode.ThumbnailURL)
	}

	var duration string
	if len(videos) > 0 {
		duration = total.String()
	}

	return &Notification{
		Event:   config.EventVod,
		Content: withMention(w.cfg.RoleMention(config.EventVod), fmt.Sprintf("VOD from **%s**", w.displayName())),
		Episode: Episode{
			Channel:   w.displayName(),
			Title:     title,
			Category:  w.Segments[0].Game.Name,
			URL:       episodeURL,
			StartedAt: w.StartedAt,
			Duration:  duration,
			Thumbnail: thumbnail,
			Index:     timestampIndex(w.Segments, videos),
			Clips:     clips,
		},
	}, nil
}

// resolveGame degrades missing or unparsable category data to the empty
// sentinel; live/offline detection never stalls on metadata gaps.
func (w *StreamWatcher) resolveGame(ctx context.Context, api StreamAPI, id string) (*twitch.Game, error) {
	game, err := api.GetGameByID(ctx, id)
	switch {
	case err == nil:
		return game, nil
	case twitch.IsDataGap(err):
		slog.WarnContext(ctx, "Could not resolve category, using none", "channel", w.UserLogin, "game_id", id, "error", err)
		return twitch.EmptyGame(), nil
	default:
		return nil, err
	}
}

// lookupVideoID resolves the recording backing the current broadcast. The
// VOD often lags the stream by a minute or two, so absence is not an error.
func (w *StreamWatcher) lookupVideoID(ctx context.Context, api StreamAPI, s *twitch.Stream) (string, error) {
	v, err := api.GetVideoByStream(ctx, s)
	switch {
	case err == nil:
		return v.ID, nil
	case twitch.IsDataGap(err):
		slog.DebugContext(ctx, "Recording not yet available", "channel", w.UserLogin)
		return "", nil
	default:
		return "", err
	}
}

func (w *StreamWatcher) fetchThumbnail(ctx context.Context, api StreamAPI, urlTemplate string) []byte {
	if urlTemplate == "" {
		return nil
	}
	b, err := api.GetThumbnail(ctx, urlTemplate)
	if err != nil {
		slog.DebugContext(ctx, "Could not fetch thumbnail", "channel", w.UserLogin, "error", err)
		return nil
	}
	return b
}

func (w *StreamWatcher) send(ctx context.Context, sink Sink, n Notification) error {
	if err := sink.Send(ctx, n); err != nil {
		metrics.NotificationErrorsTotal.Inc()
		return fmt.Errorf("failed to send %s notification: %w", n.Event, err)
	}
	metrics.NotificationsTotal.WithLabelValues(n.Event).Inc()
	slog.InfoContext(ctx, "Sent notification", "channel", w.UserLogin, "event", n.Event)
	return nil
}

func (w *StreamWatcher) displayName() string {
	if w.UserName != "" {
		return w.UserName
	}
	return w.UserLogin
}

func (w *StreamWatcher) channelURL() string {
	return "https://www.twitch.tv/" + w.UserLogin
}
