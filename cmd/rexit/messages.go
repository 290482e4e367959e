package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/rexit/pkg/connector"
	"github.com/lrhodin/rexit/pkg/export"
)

var messagesCommand = &cli.Command{
	Name:    "messages",
	Aliases: []string{"m"},
	Usage:   "Export the history of every joined chat room",
	Before:  requiresAuth,
	Action:  cmdMessages,
}

// pipeline is the media side shared by both export commands.
type pipeline struct {
	dedup *connector.DedupLog
	cache *connector.LookupCache
	media *connector.MediaFetcher
}

func openPipeline(ctx *cli.Context, mediaDir string) (*pipeline, error) {
	cfg := getConfig(ctx)
	client := getClient(ctx)
	log := getLogger(ctx)
	metrics := getMetrics(ctx)

	dedup, err := connector.OpenDedupLog(ctx.String("out"))
	if err != nil {
		return nil, err
	}
	cache, err := connector.NewLookupCache(client, cfg.DisplayNameCacheSize, cfg.MediaCacheSize, metrics, log)
	if err != nil {
		_ = dedup.Close()
		return nil, err
	}
	log.Debug().Int("entries", dedup.Len()).Msg("Loaded dedup log")
	return &pipeline{
		dedup: dedup,
		cache: cache,
		media: connector.NewMediaFetcher(cache, dedup, connector.MediaFetcherOptions{
			Dir:          mediaDir,
			MediaBaseURL: client.MediaBaseURL(),
			Retry:        cfg.RetryPolicy(),
			Metrics:      metrics,
			Log:          log,
		}),
	}, nil
}

func (p *pipeline) Close() error {
	return p.dedup.Close()
}

func cmdMessages(ctx *cli.Context) error {
	formats, err := export.ParseFormats(ctx.String("formats"))
	if err != nil {
		return err
	}
	log := getLogger(ctx)
	out := filepath.Join(ctx.String("out"), messagesDir)
	p, err := openPipeline(ctx, filepath.Join(out, imagesDir))
	if err != nil {
		return err
	}
	defer p.Close()

	agg := connector.NewRoomAggregator(getClient(ctx), p.cache, p.media, getConfig(ctx), getMetrics(ctx), log)
	rooms, err := agg.ListRooms(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}
	all, syncErr := agg.Synchronize(ctx.Context, rooms, ctx.Bool("images"))
	if all == nil {
		return syncErr
	}
	writer := &export.Writer{Dir: out, Formats: formats, Log: log}
	exportErr := writer.WriteRooms(all)
	if syncErr != nil {
		if errors.Is(syncErr, connector.ErrAuthFailure) {
			return fmt.Errorf("session rejected, partial export written: %w", syncErr)
		}
		return fmt.Errorf("synchronization aborted, partial export written: %w", syncErr)
	}
	if incomplete := all.IncompleteRooms(); len(incomplete) > 0 {
		log.Warn().Int("count", len(incomplete)).Msg("Some rooms could not be synchronized completely")
	}
	return exportErr
}
