package watcher

import (
	"context"
	"testing"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/config"
	"github.com/MinnDevelopment/strumbot/internal/twitch"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	games      map[string]*twitch.Game
	videos     map[string]*twitch.Video
	streamVods map[string]*twitch.Video // keyed by stream id
	clips      []twitch.Clip
	gameErr    error
	videoErr   error
	clipCalls  int
}

func (f *fakeAPI) GetGameByID(_ context.Context, id string) (*twitch.Game, error) {
	if f.gameErr != nil {
		return nil, f.gameErr
	}
	if g, ok := f.games[id]; ok {
		return g, nil
	}
	return nil, &twitch.NotFoundError{Kind: "game", Query: id}
}

func (f *fakeAPI) GetVideoByID(_ context.Context, id string) (*twitch.Video, error) {
	if f.videoErr != nil {
		return nil, f.videoErr
	}
	if v, ok := f.videos[id]; ok {
		return v, nil
	}
	return nil, &twitch.NotFoundError{Kind: "video", Query: id}
}

func (f *fakeAPI) GetVideos(_ context.Context, ids []string) ([]twitch.Video, error) {
	var out []twitch.Video
	for _, id := range ids {
		if v, ok := f.videos[id]; ok {
			out = append(out, *v)
		}
	}
	if len(out) == 0 {
		return nil, &twitch.NotFoundError{Kind: "video", Query: "batch"}
	}
	return out, nil
}

func (f *fakeAPI) GetVideoByStream(_ context.Context, s *twitch.Stream) (*twitch.Video, error) {
	if v, ok := f.streamVods[s.ID]; ok {
		return v, nil
	}
	return nil, &twitch.NotFoundError{Kind: "video", Query: s.ID}
}

func (f *fakeAPI) GetTopClips(_ context.Context, _ string, _ time.Time, limit int) ([]twitch.Clip, error) {
	f.clipCalls++
	if len(f.clips) > limit {
		return f.clips[:limit], nil
	}
	return f.clips, nil
}

func (f *fakeAPI) GetThumbnail(_ context.Context, _ string) ([]byte, error) {
	return []byte("jpeg"), nil
}

type fakeSink struct {
	sent []Notification
	err  error
}

func (f *fakeSink) Send(_ context.Context, n Notification) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, n)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		EnabledEvents:      []string{config.EventLive, config.EventUpdate, config.EventVod},
		OfflineGracePeriod: 2 * time.Minute,
	}
}

func liveStream(id, gameID string) *twitch.Stream {
	return &twitch.Stream{
		ID:           id,
		GameID:       gameID,
		Title:        "speedrunning all day",
		Kind:         twitch.StreamTypeLive,
		ThumbnailURL: "https://cdn.example/thumb-{width}x{height}.jpg",
		UserID:       "1234",
		UserLogin:    "alice",
		UserName:     "Alice",
		StartedAt:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestGoLiveSendsNotification(t *testing.T) {
	clock := clockwork.NewFakeClock()
	api := &fakeAPI{games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}}}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clock)

	state, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)

	require.Len(t, sink.sent, 1)
	n := sink.sent[0]
	assert.Equal(t, config.EventLive, n.Event)
	assert.Equal(t, "Alice is live with **Just Chatting**!", n.Content)
	assert.Equal(t, "Just Chatting", n.Episode.Category)
	assert.Equal(t, "https://www.twitch.tv/alice", n.Episode.URL)
	assert.Equal(t, []byte("jpeg"), n.Episode.Thumbnail)

	require.Len(t, w.Segments, 1)
	assert.Equal(t, 0, w.Segments[0].Position)
	assert.Equal(t, "s1", w.StreamID)
	assert.Equal(t, "Alice", w.UserName)
}

func TestGoLiveUnknownGameUsesSentinel(t *testing.T) {
	api := &fakeAPI{}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clockwork.NewFakeClock())

	state, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "99999")))
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)

	require.Len(t, sink.sent, 1)
	assert.Equal(t, "Alice is live!", sink.sent[0].Content)
	assert.Equal(t, "No Category", w.Segments[0].Game.Name)
}

func TestGoLiveUpstreamErrorLeavesStateUntouched(t *testing.T) {
	api := &fakeAPI{gameErr: &twitch.HTTPError{Status: 500}}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clockwork.NewFakeClock())

	state, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.Error(t, err)
	assert.Equal(t, StateUnchanged, state)
	assert.Empty(t, w.Segments)
	assert.Empty(t, sink.sent)
}

func TestRepeatedLiveIsIdempotent(t *testing.T) {
	api := &fakeAPI{games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}}}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clockwork.NewFakeClock())

	_, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)

	state, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)
	assert.Equal(t, StateUnchanged, state)
	assert.Len(t, sink.sent, 1)
	assert.Len(t, w.Segments, 1)
}

func TestGameChangeAppendsSegmentAndNotifies(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	api := &fakeAPI{games: map[string]*twitch.Game{
		"509658": {ID: "509658", Name: "Just Chatting"},
		"32982":  {ID: "32982", Name: "Grand Theft Auto V"},
	}}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clock)

	_, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)

	clock.Advance(45 * time.Minute)
	state, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "32982")))
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)

	require.Len(t, w.Segments, 2)
	assert.Equal(t, 45*60, w.Segments[1].Position)
	assert.Equal(t, "Grand Theft Auto V", w.Segments[1].Game.Name)

	require.Len(t, sink.sent, 2)
	assert.Equal(t, config.EventUpdate, sink.sent[1].Event)
	assert.Equal(t, "Alice switched game to **Grand Theft Auto V**!", sink.sent[1].Content)
}

func TestBroadcastIDChangeWithoutGameChangeIsSilent(t *testing.T) {
	api := &fakeAPI{games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}}}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clockwork.NewFakeClock())

	_, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)

	state, err := w.Update(context.Background(), api, sink, Live(liveStream("s2", "509658")))
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)
	assert.Equal(t, "s2", w.StreamID)
	require.Len(t, w.Segments, 2)
	assert.Equal(t, 0, w.Segments[1].Position)
	assert.Len(t, sink.sent, 1)
}

func TestOfflineGracePeriod(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	api := &fakeAPI{games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}}}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clock)

	_, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)

	state, err := w.Update(context.Background(), api, sink, Offline())
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)
	require.NotNil(t, w.OfflineAt)

	clock.Advance(time.Minute)
	state, err = w.Update(context.Background(), api, sink, Offline())
	require.NoError(t, err)
	assert.Equal(t, StateUnchanged, state)

	// Coming back within the grace period keeps the session alive.
	state, err = w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)
	assert.Nil(t, w.OfflineAt)
	assert.Len(t, w.Segments, 1)
	assert.Len(t, sink.sent, 1)
}

func TestOfflinePastDeadlineEndsSession(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	api := &fakeAPI{
		games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}},
		videos: map[string]*twitch.Video{
			"v1": {ID: "v1", URL: "https://www.twitch.tv/videos/v1", Title: "speedrunning all day", Duration: 3 * 3600},
		},
		streamVods: map[string]*twitch.Video{"s1": {ID: "v1"}},
	}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clock)

	_, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)

	_, err = w.Update(context.Background(), api, sink, Offline())
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	state, err := w.Update(context.Background(), api, sink, Offline())
	require.NoError(t, err)
	assert.Equal(t, StateEnded, state)
	assert.Empty(t, w.Segments)
	assert.Nil(t, w.OfflineAt)

	require.Len(t, sink.sent, 2)
	n := sink.sent[1]
	assert.Equal(t, config.EventVod, n.Event)
	assert.Equal(t, "VOD from **Alice**", n.Content)
	assert.Equal(t, "speedrunning all day", n.Episode.Title)
	assert.Equal(t, "https://www.twitch.tv/videos/v1", n.Episode.URL)
	assert.Equal(t, "03h00m00s", n.Episode.Duration)
	require.Len(t, n.Episode.Index, 1)
	assert.Equal(t, "Timestamps", n.Episode.Index[0].Name)
	assert.Contains(t, n.Episode.Index[0].Value, "[00h00m00s](https://www.twitch.tv/videos/v1?t=00h00m00s) Just Chatting")
}

func TestOfflineWithoutRecordingFallsBack(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	api := &fakeAPI{games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}}}
	sink := &fakeSink{}
	w := New("alice", testConfig(), clock)

	_, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)
	_, err = w.Update(context.Background(), api, sink, Offline())
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	state, err := w.Update(context.Background(), api, sink, Offline())
	require.NoError(t, err)
	assert.Equal(t, StateEnded, state)

	n := sink.sent[1]
	assert.Equal(t, "Alice was live", n.Episode.Title)
	assert.Empty(t, n.Episode.URL)
	assert.Empty(t, n.Episode.Duration)
	require.Len(t, n.Episode.Index, 1)
	assert.Contains(t, n.Episode.Index[0].Value, "`00h00m00s` Just Chatting")
}

func TestOfflineWithoutSessionIsNoop(t *testing.T) {
	w := New("alice", testConfig(), clockwork.NewFakeClock())

	state, err := w.Update(context.Background(), &fakeAPI{}, &fakeSink{}, Offline())
	require.NoError(t, err)
	assert.Equal(t, StateUnchanged, state)
}

func TestSuppressedEventsStillAdvanceState(t *testing.T) {
	cfg := testConfig()
	cfg.EnabledEvents = []string{config.EventVod}
	api := &fakeAPI{games: map[string]*twitch.Game{
		"509658": {ID: "509658", Name: "Just Chatting"},
		"32982":  {ID: "32982", Name: "Grand Theft Auto V"},
	}}
	sink := &fakeSink{}
	w := New("alice", cfg, clockwork.NewFakeClock())

	state, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)

	state, err = w.Update(context.Background(), api, sink, Live(liveStream("s1", "32982")))
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)

	assert.Empty(t, sink.sent)
	assert.Len(t, w.Segments, 2)
}

func TestTopClipsIncludedWhenConfigured(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.TopClips = 2
	api := &fakeAPI{
		games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}},
		clips: []twitch.Clip{
			{ID: "c1", Title: "big play", ViewCount: 100},
			{ID: "c2", Title: "small play", ViewCount: 10},
			{ID: "c3", Title: "no play", ViewCount: 1},
		},
	}
	sink := &fakeSink{}
	w := New("alice", cfg, clock)

	_, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)
	_, err = w.Update(context.Background(), api, sink, Offline())
	require.NoError(t, err)

	clock.Advance(3 * time.Minute)
	_, err = w.Update(context.Background(), api, sink, Offline())
	require.NoError(t, err)

	n := sink.sent[len(sink.sent)-1]
	require.Len(t, n.Episode.Clips, 2)
	assert.Equal(t, "c1", n.Episode.Clips[0].ID)
	assert.Equal(t, 1, api.clipCalls)
}

func TestSinkFailureRetriesTransition(t *testing.T) {
	api := &fakeAPI{games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}}}
	sink := &fakeSink{err: assert.AnError}
	w := New("alice", testConfig(), clockwork.NewFakeClock())

	_, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.Error(t, err)

	sink.err = nil
	state, err := w.Update(context.Background(), api, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)
	assert.Equal(t, StateUpdated, state)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, config.EventLive, sink.sent[0].Event)
}

func TestAttachRestoresRuntimeDependencies(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	restored := (&StreamWatcher{
		UserLogin: "alice",
		UserName:  "Alice",
		UserID:    "1234",
		StreamID:  "s1",
		Segments:  []Segment{{Game: &twitch.Game{ID: "509658", Name: "Just Chatting"}, Position: 0}},
		StartedAt: time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC),
	}).Attach(cfg, clock)

	sink := &fakeSink{}
	state, err := restored.Update(context.Background(), &fakeAPI{games: map[string]*twitch.Game{"509658": {ID: "509658", Name: "Just Chatting"}}}, sink, Live(liveStream("s1", "509658")))
	require.NoError(t, err)
	assert.Equal(t, StateUnchanged, state)
	assert.Empty(t, sink.sent)
}
