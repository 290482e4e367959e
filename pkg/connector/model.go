package connector

import (
	"slices"
	"time"

	"maunium.net/go/mautrix/id"
)

// ContentKind tags the Content variant.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentMedia
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentMedia:
		return "media"
	default:
		return "unknown"
	}
}

// Content is either Text or Media, never both.
type Content struct {
	Kind  ContentKind
	Text  string
	Media *MediaRef
}

func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

func MediaContent(ref MediaRef) Content {
	return Content{Kind: ContentMedia, Media: &ref}
}

// String renders the content the way the flat-file exporters print it.
func (c Content) String() string {
	if c.Kind == ContentMedia && c.Media != nil {
		return c.Media.FileName()
	}
	return c.Text
}

// MediaRef identifies one downloaded artifact. Two refs with the same ID are
// the same artifact. Extension and Bytes are empty when the media was
// persisted by a previous run.
type MediaRef struct {
	ID        string
	URL       string
	Extension string
	Bytes     []byte
}

// FileName is the name the media is stored under in the images directory.
func (m MediaRef) FileName() string {
	if m.Extension == "" {
		return m.ID
	}
	return m.ID + "." + m.Extension
}

type Message struct {
	Author    string
	Timestamp time.Time
	Content   Content
}

// Room is the exported history of one chat. Messages are in arrival order,
// which for backward pagination is newest-first.
type Room struct {
	ID       id.RoomID
	Messages []Message
	// Incomplete is set when the walk failed before reaching the terminal
	// cursor. Messages then holds whatever was collected before the failure.
	Incomplete bool
	Err        error
}

// Chronological returns a copy of the messages ordered oldest-first.
// Messages with equal timestamps keep their chronological arrival order.
func (r *Room) Chronological() []Message {
	msgs := slices.Clone(r.Messages)
	slices.Reverse(msgs)
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return msgs
}

// AllRooms is the result of a synchronization run.
type AllRooms struct {
	Rooms []*Room
	index map[id.RoomID]*Room
}

// add merges room into the set keyed by room ID.
func (a *AllRooms) add(room *Room) {
	if a.index == nil {
		a.index = make(map[id.RoomID]*Room)
	}
	if existing, ok := a.index[room.ID]; ok {
		existing.Messages = append(existing.Messages, room.Messages...)
		if room.Incomplete {
			existing.Incomplete = true
			existing.Err = room.Err
		}
		return
	}
	a.index[room.ID] = room
	a.Rooms = append(a.Rooms, room)
}

// Get returns the room with the given ID, if it was synchronized.
func (a *AllRooms) Get(roomID id.RoomID) (*Room, bool) {
	room, ok := a.index[roomID]
	return room, ok
}

// IncompleteRooms lists the rooms whose walk did not finish.
func (a *AllRooms) IncompleteRooms() []id.RoomID {
	var ids []id.RoomID
	for _, room := range a.Rooms {
		if room.Incomplete {
			ids = append(ids, room.ID)
		}
	}
	return ids
}

// MessageCount sums the messages of every room.
func (a *AllRooms) MessageCount() int {
	n := 0
	for _, room := range a.Rooms {
		n += len(room.Messages)
	}
	return n
}

// ReorderChronological returns a new AllRooms whose rooms hold their
// messages oldest-first. The receiver is left untouched.
func (a *AllRooms) ReorderChronological() *AllRooms {
	out := &AllRooms{}
	for _, room := range a.Rooms {
		out.add(&Room{
			ID:         room.ID,
			Messages:   room.Chronological(),
			Incomplete: room.Incomplete,
			Err:        room.Err,
		})
	}
	return out
}
