package twitch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

var emptyGame = &Game{ID: "", Name: "No Category"}

// Game is an immutable category id + display name. Instances returned by the
// client are shared; callers must not mutate them.
type Game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EmptyGame returns the shared sentinel for "no category". It is never cached
// and never looked up.
func EmptyGame() *Game { return emptyGame }

func (g *Game) IsEmpty() bool { return g.ID == "" }

// StreamType distinguishes live broadcasts from everything else Twitch may
// report in the type field.
type StreamType string

const (
	StreamTypeLive StreamType = "live"
	StreamTypeNone StreamType = ""
)

func (t *StreamType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "live" {
		*t = StreamTypeLive
	} else {
		*t = StreamTypeNone
	}
	return nil
}

// Stream is one poll's view of a channel.
type Stream struct {
	ID           string     `json:"id"`
	GameID       string     `json:"game_id"`
	Title        string     `json:"title"`
	Kind         StreamType `json:"type"`
	Language     string     `json:"language"`
	ThumbnailURL string     `json:"thumbnail_url"`
	UserID       string     `json:"user_id"`
	UserLogin    string     `json:"user_login"`
	UserName     string     `json:"user_name"`
	StartedAt    time.Time  `json:"started_at"`
}

// VideoType is the upload class of a recording; the stream VOD is an archive.
type VideoType string

const (
	VideoTypeArchive   VideoType = "archive"
	VideoTypeUpload    VideoType = "upload"
	VideoTypeHighlight VideoType = "highlight"
)

func (t *VideoType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch VideoType(s) {
	case VideoTypeArchive, VideoTypeUpload, VideoTypeHighlight:
		*t = VideoType(s)
		return nil
	default:
		return fmt.Errorf("unknown video type: %s", s)
	}
}

type Video struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Title        string        `json:"title"`
	ThumbnailURL string        `json:"thumbnail_url"`
	ViewCount    int           `json:"view_count"`
	Kind         VideoType     `json:"type"`
	CreatedAt    time.Time     `json:"created_at"`
	Duration     VideoDuration `json:"duration"`
}

type Clip struct {
	ID           string    `json:"id"`
	VideoID      string    `json:"video_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	ThumbnailURL string    `json:"thumbnail_url"`
	ViewCount    int       `json:"view_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// VideoDuration is a duration in seconds, parsed from Twitch's "1h02m3s"
// form and formatted back as a zero-padded HHhMMmSSs timestamp.
type VideoDuration int64

var durationPattern = regexp.MustCompile(`([0-9]+)([hms])`)

func (d *VideoDuration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	var total int64
	for _, m := range durationPattern.FindAllStringSubmatch(s, -1) {
		var num int64
		if _, err := fmt.Sscanf(m[1], "%d", &num); err != nil {
			continue
		}
		switch m[2] {
		case "h":
			total += num * 3600
		case "m":
			total += num * 60
		case "s":
			total += num
		}
	}
	*d = VideoDuration(total)
	return nil
}

func (d VideoDuration) String() string {
	seconds := d % 60
	minutes := d / 60 % 60
	hours := d / 3600
	return fmt.Sprintf("%02dh%02dm%02ds", hours, minutes, seconds)
}

// twitchData is the envelope every helix list endpoint responds with.
type twitchData[T any] struct {
	Data []T `json:"data"`
}
