package connector

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

var supportedMediaTypes = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
}

type MediaFetcherOptions struct {
	// Dir is where media files are written. It is created on first write.
	Dir string
	// MediaBaseURL is the host mxc:// URIs are downloaded from.
	MediaBaseURL string
	Retry        RetryPolicy
	Metrics      *Metrics
	Log          zerolog.Logger
}

// MediaFetcher turns media URLs into files on disk. Every URL is downloaded
// at most once per run (through the LookupCache) and at most once across
// runs (through the DedupLog).
type MediaFetcher struct {
	cache   *LookupCache
	dedup   *DedupLog
	dir     string
	base    string
	retry   RetryPolicy
	metrics *Metrics
	log     zerolog.Logger
}

func NewMediaFetcher(cache *LookupCache, dedup *DedupLog, opts MediaFetcherOptions) *MediaFetcher {
	return &MediaFetcher{
		cache:   cache,
		dedup:   dedup,
		dir:     opts.Dir,
		base:    strings.TrimRight(opts.MediaBaseURL, "/"),
		retry:   opts.Retry,
		metrics: opts.Metrics,
		log:     opts.Log.With().Str("component", "media_fetcher").Logger(),
	}
}

// Dir returns the directory media is written to.
func (mf *MediaFetcher) Dir() string {
	return mf.dir
}

// ResolveMediaURL maps a media reference to its media ID and the URL it is
// downloaded from. mxc://<server>/<mediaId> is rewritten against mediaBase,
// anything else must already be an http(s) URL whose last path segment
// becomes the ID.
func ResolveMediaURL(mediaBase, rawURL string) (mediaID, downloadURL string, err error) {
	if strings.HasPrefix(rawURL, "mxc://") {
		uri, parseErr := id.ParseContentURI(rawURL)
		if parseErr != nil {
			return "", "", parseErr
		}
		mediaID, _, _ = strings.Cut(uri.FileID, "/")
		if uri.Homeserver == "" || !isSafeFileName(mediaID) {
			return "", "", fmt.Errorf("invalid content URI %q", rawURL)
		}
		return mediaID, strings.TrimRight(mediaBase, "/") + "/_matrix/media/r0/download/" + uri.Homeserver + "/" + url.PathEscape(mediaID), nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return "", "", fmt.Errorf("unsupported media URL %q", rawURL)
	}
	segments := strings.Split(parsed.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			mediaID = segments[i]
			break
		}
	}
	if !isSafeFileName(mediaID) {
		return "", "", fmt.Errorf("media URL %q has no usable path segment", rawURL)
	}
	return mediaID, rawURL, nil
}

func isSafeFileName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// mediaExtension picks the file extension for a payload. A missing or
// generic Content-Type is replaced by the sniffed type. The effective media
// type is returned for error reporting.
func mediaExtension(contentType string, data []byte) (ext, mediaType string, ok bool) {
	if contentType != "" {
		if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
			mediaType = strings.ToLower(parsed)
		}
	}
	if mediaType == "" || mediaType == "application/octet-stream" || mediaType == "binary/octet-stream" {
		mediaType, _, _ = strings.Cut(mimetype.Detect(data).String(), ";")
	}
	ext, ok = supportedMediaTypes[mediaType]
	return ext, mediaType, ok
}

// Fetch downloads the media at rawURL and writes it to the media directory.
//
// If a previous run already recorded rawURL in the DedupLog, no request is
// made and Fetch returns a ref without bytes together with
// ErrAlreadyDownloaded. The extension is then taken from the stored file.
// Unsupported payloads are never written or recorded.
func (mf *MediaFetcher) Fetch(ctx context.Context, rawURL string) (*MediaRef, error) {
	log := mf.log.With().Str("url", rawURL).Logger()
	mediaID, downloadURL, err := ResolveMediaURL(mf.base, rawURL)
	if err != nil {
		mf.metrics.mediaFetch(mediaFailed)
		return nil, &FetchFailedError{URL: rawURL, Err: err}
	}
	ref := &MediaRef{ID: mediaID, URL: rawURL}

	blob, cached := mf.cache.CachedMedia(downloadURL)
	if !cached {
		if mf.dedup.Contains(rawURL) {
			log.Debug().Msg("Media already downloaded by a previous run")
			mf.metrics.mediaFetch(mediaDeduped)
			ref.Extension = mf.storedExtension(mediaID)
			return ref, ErrAlreadyDownloaded
		}
		_, err = mf.retry.Do(ctx, log, func() error {
			var fetchErr error
			blob, fetchErr = mf.cache.MediaBytesOf(ctx, downloadURL)
			return fetchErr
		})
		if err != nil {
			mf.metrics.mediaFetch(mediaFailed)
			return nil, &FetchFailedError{URL: rawURL, Err: err}
		}
	}
	ref, err = mf.finish(ref, blob)
	if err != nil {
		return nil, err
	}
	if cached && mf.dedup.Contains(rawURL) {
		mf.metrics.mediaFetch(mediaCached)
		return ref, nil
	}
	if err = mf.write(ref); err != nil {
		mf.metrics.mediaFetch(mediaFailed)
		return nil, &FetchFailedError{URL: rawURL, Err: err}
	}
	if err = mf.dedup.Record(rawURL); err != nil {
		// The file is on disk, so the next run merely downloads it again.
		log.Warn().Err(err).Msg("Failed to record downloaded media")
	}
	if cached {
		mf.metrics.mediaFetch(mediaCached)
	} else {
		mf.metrics.mediaFetch(mediaDownloaded)
	}
	log.Debug().Str("file", ref.FileName()).Int("size", len(ref.Bytes)).Msg("Stored media")
	return ref, nil
}

func (mf *MediaFetcher) finish(ref *MediaRef, blob MediaBlob) (*MediaRef, error) {
	ext, mediaType, ok := mediaExtension(blob.ContentType, blob.Data)
	if !ok {
		mf.metrics.mediaFetch(mediaUnsupported)
		return nil, &UnsupportedContentTypeError{URL: ref.URL, ContentType: mediaType}
	}
	ref.Extension = ext
	ref.Bytes = blob.Data
	return ref, nil
}

// storedExtension finds the extension a previous run stored mediaID
// under, or returns an empty string if the file is gone.
func (mf *MediaFetcher) storedExtension(mediaID string) string {
	for _, ext := range []string{"jpeg", "png", "gif"} {
		if _, err := os.Stat(filepath.Join(mf.dir, mediaID+"."+ext)); err == nil {
			return ext
		}
	}
	return ""
}

// write stores the payload through a temporary file so that a crash never
// leaves a truncated file under the final name.
func (mf *MediaFetcher) write(ref *MediaRef) error {
	if err := os.MkdirAll(mf.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}
	tmp, err := os.CreateTemp(mf.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(ref.Bytes)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write media: %w", err)
	}
	if err = os.Rename(tmp.Name(), filepath.Join(mf.dir, ref.FileName())); err != nil {
		return fmt.Errorf("failed to move media into place: %w", err)
	}
	return nil
}
