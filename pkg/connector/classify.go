package connector

import (
	"encoding/json"
	"time"

	"go.mau.fi/util/ptr"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type ClassifiedKind int

const (
	ClassSkip ClassifiedKind = iota
	ClassText
	ClassMedia
)

func (k ClassifiedKind) String() string {
	switch k {
	case ClassText:
		return "text"
	case ClassMedia:
		return "media"
	default:
		return "skip"
	}
}

type SkipReason string

const (
	SkipNotMessage  SkipReason = "not-a-message"
	SkipUnavailable SkipReason = "unavailable"
)

// Classified is the result of Classify. Only the fields for Kind are set.
type Classified struct {
	Kind       ClassifiedKind
	SkipReason SkipReason
	// Err is set for SkipUnavailable and wraps ErrMissingContent.
	Err error

	EventID   id.EventID
	Sender    id.UserID
	Timestamp time.Time
	MsgType   event.MessageType
	Text      string
	MediaURL  string
}

type messageContent struct {
	MsgType event.MessageType   `json:"msgtype"`
	Body    *string             `json:"body"`
	URL     id.ContentURIString `json:"url"`
}

// EventTime converts origin_server_ts to UTC, truncated to whole seconds.
func EventTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC().Truncate(time.Second)
}

// Classify sorts a timeline event into skip, text or media. It never fails:
// events without usable content are skipped as unavailable.
func Classify(evt RawEvent) Classified {
	if evt.Type != event.EventMessage.Type {
		return Classified{Kind: ClassSkip, SkipReason: SkipNotMessage, EventID: evt.ID}
	}
	cl := Classified{
		EventID:   evt.ID,
		Sender:    evt.Sender,
		Timestamp: EventTime(evt.Timestamp),
	}
	var content messageContent
	if len(evt.Content) > 0 {
		if err := json.Unmarshal(evt.Content, &content); err != nil {
			cl.Kind = ClassSkip
			cl.SkipReason = SkipUnavailable
			cl.Err = &missingContentError{eventID: evt.ID, cause: err}
			return cl
		}
	}
	cl.MsgType = content.MsgType
	switch {
	case content.URL != "":
		cl.Kind = ClassMedia
		cl.MediaURL = string(content.URL)
	case content.Body != nil:
		// An image event without a URL has nothing to download, but its
		// body is still worth keeping.
		cl.Kind = ClassText
		cl.Text = ptr.Val(content.Body)
	default:
		cl.Kind = ClassSkip
		cl.SkipReason = SkipUnavailable
		cl.Err = &missingContentError{eventID: evt.ID}
	}
	return cl
}

type missingContentError struct {
	eventID id.EventID
	cause   error
}

func (e *missingContentError) Error() string {
	if e.cause != nil {
		return "content of " + string(e.eventID) + " is unreadable: " + e.cause.Error()
	}
	return "content of " + string(e.eventID) + " is unavailable"
}

func (e *missingContentError) Unwrap() error { return ErrMissingContent }
