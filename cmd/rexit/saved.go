package main

import (
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/rexit/pkg/connector"
	"github.com/lrhodin/rexit/pkg/export"
)

var savedCommand = &cli.Command{
	Name:    "saved",
	Aliases: []string{"s"},
	Usage:   "Export saved posts and comments",
	Before:  requiresAuth,
	Action:  cmdSaved,
}

func cmdSaved(ctx *cli.Context) error {
	formats, err := export.ParseFormats(ctx.String("formats"))
	if err != nil {
		return err
	}
	log := getLogger(ctx)
	out := filepath.Join(ctx.String("out"), savedPostsDir)
	p, err := openPipeline(ctx, filepath.Join(out, imagesDir))
	if err != nil {
		return err
	}
	defer p.Close()

	fetcher := connector.NewSavedPostsFetcher(getClient(ctx), p.media, connector.SavedPostsOptions{
		Retry: getConfig(ctx).RetryPolicy(),
		Log:   log,
	})
	posts, fetchErr := fetcher.Fetch(ctx.Context, ctx.Bool("images"))
	writer := &export.Writer{Dir: out, Formats: formats, Log: log}
	exportErr := writer.WriteSavedPosts(posts)
	if fetchErr != nil {
		return fmt.Errorf("saved posts incomplete, partial export written: %w", fetchErr)
	}
	return exportErr
}
