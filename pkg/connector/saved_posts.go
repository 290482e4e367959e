package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/url"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
)

// DefaultSavedPostsURL is the listing of the account's saved posts and comments.
const DefaultSavedPostsURL = "https://www.reddit.com/saved.json"

type SavedPost struct {
	Title     string   `json:"title"`
	Subreddit string   `json:"subreddit"`
	Permalink string   `json:"permalink"`
	ImageURLs []string `json:"image_urls"`
	Body      string   `json:"body"`
}

// JSONSource fetches authenticated JSON documents.
type JSONSource interface {
	GetJSON(ctx context.Context, url string) ([]byte, error)
}

type savedListing struct {
	Data struct {
		After    *string `json:"after"`
		Children []struct {
			Data savedItem `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type savedItem struct {
	Title     *string `json:"title"`
	LinkTitle *string `json:"link_title"`
	Subreddit string  `json:"subreddit_name_prefixed"`
	Permalink string  `json:"permalink"`
	Selftext  *string `json:"selftext"`
	// Body is set instead of Selftext on saved comments.
	Body    *string `json:"body"`
	Preview *struct {
		Images []struct {
			Source struct {
				URL string `json:"url"`
			} `json:"source"`
		} `json:"images"`
	} `json:"preview"`
}

func (item *savedItem) toPost() SavedPost {
	post := SavedPost{
		Title:     ptr.Val(item.Title),
		Subreddit: item.Subreddit,
		Permalink: item.Permalink,
		Body:      ptr.Val(item.Selftext),
	}
	// Saved comments carry the title of the post they belong to.
	if item.LinkTitle != nil {
		post.Title = *item.LinkTitle
	}
	if item.Selftext == nil {
		post.Body = ptr.Val(item.Body)
	}
	if item.Preview != nil {
		for _, img := range item.Preview.Images {
			if img.Source.URL != "" {
				// Preview URLs are served HTML-escaped (&amp;).
				post.ImageURLs = append(post.ImageURLs, html.UnescapeString(img.Source.URL))
			}
		}
	}
	return post
}

type SavedPostsOptions struct {
	// ListingURL defaults to DefaultSavedPostsURL.
	ListingURL string
	Retry      RetryPolicy
	Log        zerolog.Logger
}

// SavedPostsFetcher walks the saved listing page by page and optionally
// downloads the preview images of every post.
type SavedPostsFetcher struct {
	source     JSONSource
	media      *MediaFetcher
	listingURL string
	retry      RetryPolicy
	log        zerolog.Logger
}

// NewSavedPostsFetcher creates a fetcher. media may be nil if images are
// never downloaded.
func NewSavedPostsFetcher(source JSONSource, media *MediaFetcher, opts SavedPostsOptions) *SavedPostsFetcher {
	listingURL := opts.ListingURL
	if listingURL == "" {
		listingURL = DefaultSavedPostsURL
	}
	return &SavedPostsFetcher{
		source:     source,
		media:      media,
		listingURL: listingURL,
		retry:      opts.Retry,
		log:        opts.Log.With().Str("component", "saved_posts").Logger(),
	}
}

// Fetch returns every saved post in listing order. Posts collected before a
// failure are returned together with the error.
func (sf *SavedPostsFetcher) Fetch(ctx context.Context, includeImages bool) ([]SavedPost, error) {
	if includeImages && sf.media == nil {
		return nil, fmt.Errorf("images requested but no media fetcher is configured")
	}
	var posts []SavedPost
	after := ""
	for page := 1; ; page++ {
		requestURL := sf.listingURL + "?after=" + url.QueryEscape(after)
		var listing savedListing
		_, err := sf.retry.Do(ctx, sf.log, func() error {
			body, err := sf.source.GetJSON(ctx, requestURL)
			if err != nil {
				return err
			}
			listing = savedListing{}
			if err = json.Unmarshal(body, &listing); err != nil {
				return fmt.Errorf("failed to decode saved posts: %w: %v", ErrMalformedResponse, err)
			}
			return nil
		})
		if err != nil {
			return posts, fmt.Errorf("failed to fetch saved posts page %d: %w", page, err)
		}
		for _, child := range listing.Data.Children {
			post := child.Data.toPost()
			if includeImages {
				if err = sf.fetchImages(ctx, post.ImageURLs); err != nil {
					return posts, err
				}
			}
			posts = append(posts, post)
		}
		sf.log.Debug().Int("page", page).Int("posts", len(listing.Data.Children)).Msg("Fetched saved posts page")

		next := ptr.Val(listing.Data.After)
		if next == "" {
			break
		} else if next == after {
			return posts, fmt.Errorf("failed to fetch saved posts page %d: %w", page+1, ErrStalledCursor)
		}
		after = next
	}
	sf.log.Info().Int("count", len(posts)).Msg("Fetched saved posts")
	return posts, nil
}

func (sf *SavedPostsFetcher) fetchImages(ctx context.Context, urls []string) error {
	for _, imageURL := range urls {
		_, err := sf.media.Fetch(ctx, imageURL)
		if err == nil || errors.Is(err, ErrAlreadyDownloaded) {
			continue
		} else if isFatal(err) {
			return err
		}
		sf.log.Warn().Err(err).Str("url", imageURL).Msg("Failed to download saved post image")
	}
	return nil
}
