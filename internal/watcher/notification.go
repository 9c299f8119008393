package watcher

import (
	"fmt"
	"strings"
	"time"

	"github.com/MinnDevelopment/strumbot/internal/twitch"
)

// Discord caps embed field values at 1024 characters; we chunk a little
// below that and refuse to grow past four fields per notification.
const (
	maxFieldLength = 1000
	maxIndexFields = 4
)

// Notification is one outbound event with its rendered content line and the
// structured payload sinks turn into their own wire format.
type Notification struct {
	Event   string
	Content string
	Episode Episode
}

// Episode carries the presentation data for one notification. Thumbnail is
// raw image bytes, nil when unavailable.
type Episode struct {
	Channel   string
	Title     string
	Category  string
	URL       string
	StartedAt time.Time
	Duration  string
	Thumbnail []byte
	Index     []Field
	Clips     []twitch.Clip
}

// Field is one name/value pair of the timestamp index.
type Field struct {
	Name  string
	Value string
}

// timestampIndex renders one line per segment. Segments whose recording is
// known link into the video at the segment offset; the rest fall back to a
// plain timestamp.
func timestampIndex(segments []Segment, videos []twitch.Video) []Field {
	byID := make(map[string]*twitch.Video, len(videos))
	for i := range videos {
		byID[videos[i].ID] = &videos[i]
	}

	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		ts := twitch.VideoDuration(seg.Position).String()
		if v, ok := byID[seg.VideoID]; ok {
			lines = append(lines, fmt.Sprintf("[%s](%s?t=%s) %s", ts, v.URL, ts, seg.Game.Name))
		} else {
			lines = append(lines, fmt.Sprintf("`%s` %s", ts, seg.Game.Name))
		}
	}
	return chunkLines(lines)
}

// chunkLines splits the index across fields so no value exceeds the length
// ceiling. Once the last permitted field is full the remainder collapses
// into a truncation marker.
func chunkLines(lines []string) []Field {
	var fields []Field
	var b strings.Builder

	flush := func() {
		if b.Len() == 0 {
			return
		}
		name := "​" // zero-width space, Discord requires a non-empty name
		if len(fields) == 0 {
			name = "Timestamps"
		}
		fields = append(fields, Field{Name: name, Value: b.String()})
		b.Reset()
	}

	for _, line := range lines {
		needed := len(line)
		if b.Len() > 0 {
			needed++
		}
		if b.Len()+needed > maxFieldLength {
			if len(fields) == maxIndexFields-1 {
				b.WriteString("\n…")
				break
			}
			flush()
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	flush()
	return fields
}

func withMention(mention, content string) string {
	if mention == "" {
		return content
	}
	return mention + " " + content
}
