// Package export writes synchronized rooms and saved posts to disk as
// plain text, JSON or CSV.
package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/lrhodin/rexit/pkg/connector"
)

type Format string

const (
	FormatTXT  Format = "txt"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

var knownFormats = map[Format]struct{}{
	FormatTXT:  {},
	FormatJSON: {},
	FormatCSV:  {},
}

// ParseFormats parses a comma-separated format list such as "txt,json".
// Duplicates are dropped. All unknown names are reported at once.
func ParseFormats(list string) ([]Format, error) {
	var formats []Format
	var unknown []string
	seen := make(map[Format]bool)
	for _, part := range strings.Split(list, ",") {
		f := Format(strings.ToLower(strings.TrimSpace(part)))
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		if _, ok := knownFormats[f]; !ok {
			unknown = append(unknown, string(f))
			continue
		}
		formats = append(formats, f)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown export format(s): %s", strings.Join(unknown, ", "))
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no export format given")
	}
	return formats, nil
}

// RoomFileName turns a room ID into a file name without path separators or
// other characters that are unsafe on common filesystems.
func RoomFileName(roomID id.RoomID) string {
	var buf strings.Builder
	for _, r := range string(roomID) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			buf.WriteRune(r)
		default:
			buf.WriteByte('_')
		}
	}
	name := strings.Trim(buf.String(), ".")
	if name == "" {
		return "room"
	}
	return name
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Writer writes exports into Dir in every format of Formats.
type Writer struct {
	Dir     string
	Formats []Format
	Log     zerolog.Logger
}

// WriteRooms writes one file per room and format. Rooms are written
// oldest message first. Every room is attempted even if another fails.
func (w *Writer) WriteRooms(all *connector.AllRooms) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	var errs []error
	rooms := all.ReorderChronological().Rooms
	names := w.roomFileNames(rooms)
	for _, room := range rooms {
		for _, format := range w.Formats {
			data, err := encodeRoom(room, format)
			if err == nil {
				path := filepath.Join(w.Dir, names[room.ID]+"."+string(format))
				err = os.WriteFile(path, data, 0o644)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("failed to export %s as %s: %w", room.ID, format, err))
			}
		}
		w.Log.Debug().Stringer("room_id", room.ID).Int("messages", len(room.Messages)).Msg("Exported room")
	}
	w.Log.Info().Int("rooms", len(all.Rooms)).Str("dir", w.Dir).Msg("Exported rooms")
	return errors.Join(errs...)
}

// roomFileNames gives every room a distinct base name. The first room to
// claim a name keeps it. Later rooms whose name is already taken, ignoring
// case, get a suffix derived from the room ID.
func (w *Writer) roomFileNames(rooms []*connector.Room) map[id.RoomID]string {
	names := make(map[id.RoomID]string, len(rooms))
	taken := make(map[string]struct{}, len(rooms))
	isTaken := func(name string) bool {
		_, ok := taken[strings.ToLower(name)]
		return ok
	}
	for _, room := range rooms {
		if _, ok := names[room.ID]; ok {
			continue
		}
		name := RoomFileName(room.ID)
		if isTaken(name) {
			sum := sha256.Sum256([]byte(room.ID))
			base := name + "_" + hex.EncodeToString(sum[:4])
			name = base
			for i := 2; isTaken(name); i++ {
				name = fmt.Sprintf("%s_%d", base, i)
			}
			w.Log.Warn().Stringer("room_id", room.ID).Str("file_name", name).Msg("Room file name already taken, using suffixed name")
		}
		taken[strings.ToLower(name)] = struct{}{}
		names[room.ID] = name
	}
	return names
}

func encodeRoom(room *connector.Room, format Format) ([]byte, error) {
	switch format {
	case FormatTXT:
		return encodeRoomTXT(room), nil
	case FormatJSON:
		return encodeRoomJSON(room)
	case FormatCSV:
		return encodeRoomCSV(room)
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

func encodeRoomTXT(room *connector.Room) []byte {
	var buf bytes.Buffer
	for _, msg := range room.Messages {
		fmt.Fprintf(&buf, "[%s] %s: %s\n", formatTime(msg.Timestamp), msg.Author, msg.Content.String())
	}
	return buf.Bytes()
}

type jsonRoom struct {
	ID         id.RoomID     `json:"id"`
	Incomplete bool          `json:"incomplete,omitempty"`
	Messages   []jsonMessage `json:"messages"`
}

type jsonMessage struct {
	Author    string      `json:"author"`
	Timestamp string      `json:"timestamp"`
	Content   jsonContent `json:"content"`
}

type jsonContent struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
	Extension string `json:"extension,omitempty"`
}

func encodeRoomJSON(room *connector.Room) ([]byte, error) {
	out := jsonRoom{
		ID:         room.ID,
		Incomplete: room.Incomplete,
		Messages:   make([]jsonMessage, len(room.Messages)),
	}
	for i, msg := range room.Messages {
		content := jsonContent{Type: msg.Content.Kind.String()}
		if msg.Content.Kind == connector.ContentMedia && msg.Content.Media != nil {
			content.MediaID = msg.Content.Media.ID
			content.Extension = msg.Content.Media.Extension
		} else {
			content.Text = msg.Content.Text
		}
		out.Messages[i] = jsonMessage{
			Author:    msg.Author,
			Timestamp: formatTime(msg.Timestamp),
			Content:   content,
		}
	}
	return json.MarshalIndent(&out, "", "  ")
}

func encodeRoomCSV(room *connector.Room) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write([]string{"timestamp", "author", "message"})
	for _, msg := range room.Messages {
		_ = cw.Write([]string{formatTime(msg.Timestamp), msg.Author, msg.Content.String()})
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

// SavedPostsBaseName is the file name (without extension) of saved post exports.
const SavedPostsBaseName = "saved_posts"

// WriteSavedPosts writes all posts into one file per format.
func (w *Writer) WriteSavedPosts(posts []connector.SavedPost) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	var errs []error
	for _, format := range w.Formats {
		data, err := encodeSavedPosts(posts, format)
		if err == nil {
			err = os.WriteFile(filepath.Join(w.Dir, SavedPostsBaseName+"."+string(format)), data, 0o644)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to export saved posts as %s: %w", format, err))
		}
	}
	w.Log.Info().Int("posts", len(posts)).Str("dir", w.Dir).Msg("Exported saved posts")
	return errors.Join(errs...)
}

func encodeSavedPosts(posts []connector.SavedPost, format Format) ([]byte, error) {
	switch format {
	case FormatTXT:
		var buf bytes.Buffer
		for _, post := range posts {
			fmt.Fprintf(&buf, "%s (%s)\n%s\n", post.Title, post.Subreddit, post.Permalink)
			for _, img := range post.ImageURLs {
				fmt.Fprintf(&buf, "  image: %s\n", img)
			}
			if post.Body != "" {
				fmt.Fprintf(&buf, "\n%s\n", post.Body)
			}
			buf.WriteString("\n")
		}
		return buf.Bytes(), nil
	case FormatJSON:
		if posts == nil {
			posts = []connector.SavedPost{}
		}
		return json.MarshalIndent(posts, "", "  ")
	case FormatCSV:
		var buf bytes.Buffer
		cw := csv.NewWriter(&buf)
		_ = cw.Write([]string{"title", "subreddit", "permalink", "image_urls", "body"})
		for _, post := range posts {
			_ = cw.Write([]string{post.Title, post.Subreddit, post.Permalink, strings.Join(post.ImageURLs, " "), post.Body})
		}
		cw.Flush()
		return buf.Bytes(), cw.Error()
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}
