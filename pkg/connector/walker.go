package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// TerminalCursor is the pagination token the homeserver returns once the
// beginning of a room's history has been reached.
const TerminalCursor = "t0_0"

// DefaultPageLimit is the number of events requested per page.
const DefaultPageLimit = 10000

// MessageSource serves raw pages of room history.
type MessageSource interface {
	RoomMessages(ctx context.Context, roomID id.RoomID, from string, limit int) ([]byte, error)
}

// RawEvent is a timeline event as served by the messages endpoint. Content
// is decoded lazily by Classify so that one odd event cannot fail a page.
type RawEvent struct {
	ID        id.EventID      `json:"event_id"`
	Type      string          `json:"type"`
	Sender    id.UserID       `json:"sender"`
	Timestamp int64           `json:"origin_server_ts"`
	Content   json.RawMessage `json:"content"`
}

// Page is one batch of events and the cursor that continues the walk.
type Page struct {
	Events []RawEvent
	Cursor string
}

// Terminal reports whether this is the last page of the room.
func (p *Page) Terminal() bool {
	return p.Cursor == TerminalCursor
}

type messagesResponse struct {
	Chunk []RawEvent `json:"chunk"`
	Start string     `json:"start"`
	End   *string    `json:"end"`
}

type WalkState int

const (
	WalkIdle WalkState = iota
	WalkRequesting
	WalkPageReady
	WalkDone
	WalkFailed
)

func (s WalkState) String() string {
	switch s {
	case WalkIdle:
		return "idle"
	case WalkRequesting:
		return "requesting"
	case WalkPageReady:
		return "page-ready"
	case WalkDone:
		return "done"
	case WalkFailed:
		return "failed"
	default:
		return fmt.Sprintf("WalkState(%d)", int(s))
	}
}

type WalkOptions struct {
	PageLimit int
	Retry     RetryPolicy
	Metrics   *Metrics
	Log       zerolog.Logger
}

// BatchWalker pages backward through one room's history, newest events
// first, until the homeserver hands out the terminal cursor. A walker is
// single-use and not safe for concurrent use.
type BatchWalker struct {
	source  MessageSource
	roomID  id.RoomID
	limit   int
	retry   RetryPolicy
	metrics *Metrics
	log     zerolog.Logger

	state WalkState
	from  string
	pages int
	err   error
}

func NewBatchWalker(source MessageSource, roomID id.RoomID, opts WalkOptions) *BatchWalker {
	limit := opts.PageLimit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return &BatchWalker{
		source:  source,
		roomID:  roomID,
		limit:   limit,
		retry:   opts.Retry,
		metrics: opts.Metrics,
		log:     opts.Log.With().Str("component", "batch_walker").Stringer("room_id", roomID).Logger(),
	}
}

func (w *BatchWalker) State() WalkState {
	return w.state
}

// PagesRead returns the number of pages delivered so far.
func (w *BatchWalker) PagesRead() int {
	return w.pages
}

// Next requests the next page. It returns ErrWalkDone once the terminal page
// has been delivered. Any other error is a *SyncFailedError and is returned
// again by every later call.
func (w *BatchWalker) Next(ctx context.Context) (*Page, error) {
	switch w.state {
	case WalkDone:
		return nil, ErrWalkDone
	case WalkFailed:
		return nil, w.err
	}
	w.state = WalkRequesting
	from := w.from
	var resp messagesResponse
	attempts, err := w.retry.Do(ctx, w.log, func() error {
		body, err := w.source.RoomMessages(ctx, w.roomID, from, w.limit)
		if err != nil {
			return err
		}
		resp = messagesResponse{}
		if err = json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("failed to decode messages page: %w: %v", ErrMalformedResponse, err)
		}
		return nil
	})
	w.metrics.pageRetried(attempts - 1)
	if err != nil {
		return nil, w.fail(attempts, err)
	}
	w.metrics.pageFetched()

	page := &Page{Events: resp.Chunk}
	// A missing or empty end token means there is nothing further back.
	if resp.End == nil || *resp.End == "" {
		page.Cursor = TerminalCursor
	} else {
		page.Cursor = *resp.End
	}
	if !page.Terminal() && w.pages > 0 && page.Cursor == from {
		return nil, w.fail(attempts, fmt.Errorf("%w: got %q again", ErrStalledCursor, from))
	}
	w.pages++
	w.from = page.Cursor
	w.log.Debug().
		Int("page", w.pages).
		Int("events", len(page.Events)).
		Bool("terminal", page.Terminal()).
		Msg("Fetched messages page")
	if page.Terminal() {
		w.state = WalkDone
	} else {
		w.state = WalkPageReady
	}
	return page, nil
}

func (w *BatchWalker) fail(attempts int, err error) error {
	w.state = WalkFailed
	w.err = &SyncFailedError{RoomID: w.roomID, Attempts: attempts, Err: err}
	return w.err
}

// Pages adapts Next to a range-over-func iterator. Iteration stops after the
// terminal page or after yielding the first error.
func (w *BatchWalker) Pages(ctx context.Context) iter.Seq2[*Page, error] {
	return func(yield func(*Page, error) bool) {
		for {
			page, err := w.Next(ctx)
			if errors.Is(err, ErrWalkDone) {
				return
			}
			if !yield(page, err) || err != nil {
				return
			}
		}
	}
}
