package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exslices"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/id"
)

// RoomSource is the homeserver surface the aggregator needs.
type RoomSource interface {
	MessageSource
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
}

// RoomAggregator synchronizes the history of many rooms. Each room is walked
// by its own BatchWalker; failures stay confined to the room they happened
// in, except for authentication failures, which end the run.
type RoomAggregator struct {
	source  RoomSource
	cache   *LookupCache
	media   *MediaFetcher
	cfg     *Config
	retry   RetryPolicy
	metrics *Metrics
	log     zerolog.Logger
}

// NewRoomAggregator wires the pipeline together. media may be nil if the
// aggregator is never asked to include media.
func NewRoomAggregator(source RoomSource, cache *LookupCache, media *MediaFetcher, cfg *Config, metrics *Metrics, log zerolog.Logger) *RoomAggregator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RoomAggregator{
		source:  source,
		cache:   cache,
		media:   media,
		cfg:     cfg,
		retry:   cfg.RetryPolicy(),
		metrics: metrics,
		log:     log.With().Str("component", "room_aggregator").Logger(),
	}
}

// ListRooms returns the joined rooms. Unlike room walks, a failure here is
// fatal for the run.
func (ra *RoomAggregator) ListRooms(ctx context.Context) ([]id.RoomID, error) {
	var rooms []id.RoomID
	_, err := ra.retry.Do(ctx, ra.log, func() error {
		var listErr error
		rooms, listErr = ra.source.JoinedRooms(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}
	ra.log.Info().Int("count", len(rooms)).Msg("Fetched joined rooms")
	return rooms, nil
}

// Synchronize walks every room in rooms and returns their messages in
// arrival order (newest first). Rooms whose walk failed are included with
// whatever was collected and flagged Incomplete.
//
// If authentication fails the remaining rooms are abandoned and the partial
// result is returned together with the error.
func (ra *RoomAggregator) Synchronize(ctx context.Context, rooms []id.RoomID, includeMedia bool) (*AllRooms, error) {
	if includeMedia && ra.media == nil {
		return nil, fmt.Errorf("media requested but no media fetcher is configured")
	}
	// A room listed twice would otherwise be walked twice and merged into
	// one room with every message doubled.
	rooms = exslices.DeduplicateUnsorted(rooms)
	results := make([]*Room, len(rooms))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(ra.cfg.RoomWorkers, 1))
	for i, roomID := range rooms {
		if egCtx.Err() != nil {
			break
		}
		eg.Go(func() error {
			room, err := ra.syncRoom(egCtx, roomID, includeMedia)
			results[i] = room
			if errors.Is(err, ErrAuthFailure) {
				return err
			}
			return nil
		})
	}
	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}

	all := &AllRooms{}
	for _, room := range results {
		if room != nil {
			all.add(room)
		}
	}
	evt := ra.log.Info()
	if incomplete := all.IncompleteRooms(); len(incomplete) > 0 {
		names := make([]string, len(incomplete))
		for i, roomID := range incomplete {
			names[i] = roomID.String()
		}
		evt = ra.log.Warn().Strs("incomplete_rooms", names)
	}
	evt.Int("rooms", len(all.Rooms)).
		Int("messages", all.MessageCount()).
		Msg("Finished synchronizing rooms")
	return all, err
}

func (ra *RoomAggregator) syncRoom(ctx context.Context, roomID id.RoomID, includeMedia bool) (*Room, error) {
	log := ra.log.With().Stringer("room_id", roomID).Logger()
	room := &Room{ID: roomID}
	walker := NewBatchWalker(ra.source, roomID, WalkOptions{
		PageLimit: ra.cfg.PageLimit,
		Retry:     ra.retry,
		Metrics:   ra.metrics,
		Log:       ra.log,
	})
	for page, err := range walker.Pages(ctx) {
		if err != nil {
			room.Incomplete = true
			room.Err = err
			break
		}
		msgs, err := ra.convertPage(ctx, log, page, includeMedia)
		room.Messages = append(room.Messages, msgs...)
		if err != nil {
			room.Incomplete = true
			room.Err = err
			break
		}
	}
	ra.metrics.roomSynced(room.Incomplete)
	if room.Incomplete {
		log.Err(room.Err).
			Int("messages", len(room.Messages)).
			Int("pages", walker.PagesRead()).
			Msg("Room synchronization failed, keeping partial history")
	} else {
		log.Info().
			Int("messages", len(room.Messages)).
			Int("pages", walker.PagesRead()).
			Msg("Synchronized room")
	}
	return room, room.Err
}

// convertPage turns one page into messages in page order. Media downloads
// run concurrently, bounded by MediaWorkers, and are written back into
// their slot so the order does not depend on scheduling.
func (ra *RoomAggregator) convertPage(ctx context.Context, log zerolog.Logger, page *Page, includeMedia bool) ([]Message, error) {
	msgs := make([]Message, 0, len(page.Events))
	var mediaSlots []int
	var mediaURLs []string
	for _, evt := range page.Events {
		cl := Classify(evt)
		ra.metrics.classified(cl.Kind.String())
		if cl.Kind == ClassSkip {
			if cl.SkipReason == SkipUnavailable {
				log.Warn().Err(cl.Err).Stringer("event_id", cl.EventID).Msg("Skipping message without content")
			}
			continue
		}
		author, err := ra.resolveAuthor(ctx, log, cl.Sender)
		if err != nil {
			return msgs, err
		}
		msg := Message{Author: author, Timestamp: cl.Timestamp}
		switch {
		case cl.Kind == ClassText:
			msg.Content = TextContent(cl.Text)
		case includeMedia:
			mediaSlots = append(mediaSlots, len(msgs))
			mediaURLs = append(mediaURLs, cl.MediaURL)
		default:
			msg.Content = TextContent(cl.MediaURL)
		}
		msgs = append(msgs, msg)
	}
	if len(mediaSlots) == 0 {
		return msgs, nil
	}

	sem := semaphore.NewWeighted(int64(max(ra.cfg.MediaWorkers, 1)))
	var wg sync.WaitGroup
	var fatalLock sync.Mutex
	var fatalErr error
	for i, slot := range mediaSlots {
		if err := sem.Acquire(ctx, 1); err != nil {
			fatalLock.Lock()
			fatalErr = err
			fatalLock.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			content, err := ra.fetchContent(ctx, log, mediaURLs[i])
			msgs[slot].Content = content
			if err != nil {
				fatalLock.Lock()
				if fatalErr == nil {
					fatalErr = err
				}
				fatalLock.Unlock()
			}
		}()
	}
	wg.Wait()
	if fatalErr != nil {
		return msgs, fatalErr
	}
	return msgs, nil
}

// fetchContent downloads one attachment. Per-attachment problems become a
// text placeholder; only authentication failures and cancellation are
// returned as errors.
func (ra *RoomAggregator) fetchContent(ctx context.Context, log zerolog.Logger, mediaURL string) (Content, error) {
	ref, err := ra.media.Fetch(ctx, mediaURL)
	if err == nil || errors.Is(err, ErrAlreadyDownloaded) {
		return MediaContent(*ref), nil
	}
	placeholder := UnavailableAttachment(mediaURL)
	var unsupported *UnsupportedContentTypeError
	if errors.As(err, &unsupported) {
		log.Warn().Str("url", mediaURL).Str("content_type", unsupported.ContentType).Msg("Skipping attachment with unsupported content type")
		return TextContent(UnsupportedAttachment(mediaURL, unsupported.ContentType)), nil
	}
	if isFatal(err) {
		return TextContent(placeholder), err
	}
	log.Warn().Err(err).Str("url", mediaURL).Msg("Failed to fetch attachment")
	return TextContent(placeholder), nil
}

// UnsupportedAttachment is the text that replaces an attachment whose
// payload type cannot be exported.
func UnsupportedAttachment(mediaURL, contentType string) string {
	return fmt.Sprintf("[attachment skipped: unsupported content type %s] %s", contentType, mediaURL)
}

// UnavailableAttachment is the text that replaces an attachment that could
// not be downloaded.
func UnavailableAttachment(mediaURL string) string {
	return "[attachment unavailable] " + mediaURL
}

func (ra *RoomAggregator) resolveAuthor(ctx context.Context, log zerolog.Logger, userID id.UserID) (string, error) {
	if ra.cfg.Anonymize {
		return ra.cfg.AnonymousAuthor, nil
	}
	var name string
	_, err := ra.retry.Do(ctx, log, func() error {
		var lookupErr error
		name, lookupErr = ra.cache.DisplayNameOf(ctx, userID)
		return lookupErr
	})
	if err != nil {
		if isFatal(err) {
			return "", err
		}
		log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to resolve display name, using user ID")
	}
	if name == "" {
		name = string(userID)
	}
	return ra.cfg.FormatAuthor(AuthorParams{DisplayName: name, UserID: userID}), nil
}
