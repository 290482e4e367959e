package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

var (
	// ErrTransientNetwork marks connection failures, timeouts, rate limits
	// and 5xx responses. Retried with backoff.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrMalformedResponse marks a response body that could not be decoded.
	// Retried up to the configured bound, then surfaced.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrUnsupportedMediaType is never retried. It only affects one media item.
	ErrUnsupportedMediaType = errors.New("unsupported media type")
	// ErrMissingContent marks a deleted or redacted message.
	ErrMissingContent = errors.New("message content unavailable")
	// ErrAuthFailure is fatal for the whole run.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrAlreadyDownloaded is returned by MediaFetcher.Fetch when a previous
	// run already persisted the media. Callers treat it as a successful no-op.
	ErrAlreadyDownloaded = errors.New("media already downloaded")
	// ErrWalkDone is returned by BatchWalker.Next after the terminal page.
	ErrWalkDone = errors.New("room history exhausted")
	// ErrStalledCursor is returned when the homeserver hands back the same
	// non-terminal cursor that was sent.
	ErrStalledCursor = errors.New("pagination cursor did not advance")
)

// RequestError is a non-2xx response from the homeserver, the media host or
// the saved posts listing. Err is the mautrix.HTTPError, so errors.Is works
// against mautrix.MUnknownToken and the other Matrix error codes.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is maps the response onto ErrAuthFailure and ErrTransientNetwork.
func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrAuthFailure:
		return e.StatusCode == http.StatusUnauthorized ||
			errors.Is(e.Err, mautrix.MUnknownToken) || errors.Is(e.Err, mautrix.MMissingToken)
	case ErrTransientNetwork:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError ||
			errors.Is(e.Err, mautrix.MLimitExceeded)
	}
	return false
}

// classifyRequestError sorts a mautrix request error into the pipeline's
// taxonomy. Transport and body read failures are formatted rather than
// wrapped, so an HTTP client timeout is not mistaken for cancellation of ctx.
func classifyRequestError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Request == nil {
		return err
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case httpErr.Response == nil:
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	case errors.Is(httpErr.WrappedError, mautrix.ErrResponseTooLong), errors.Is(httpErr.WrappedError, mautrix.ErrBodyReadReachedLimit):
		return err
	case errors.As(httpErr.WrappedError, &syntaxErr), errors.As(httpErr.WrappedError, &typeErr):
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	case httpErr.WrappedError != nil:
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	return &RequestError{StatusCode: httpErr.Response.StatusCode, Err: httpErr}
}

// SyncFailedError is the terminal failure of one room's history walk.
type SyncFailedError struct {
	RoomID   id.RoomID
	Attempts int
	Err      error
}

func (e *SyncFailedError) Error() string {
	return fmt.Sprintf("sync of room %s failed after %d attempt(s): %v", e.RoomID, e.Attempts, e.Err)
}

func (e *SyncFailedError) Unwrap() error { return e.Err }

// FetchFailedError is a media download that could not be completed.
type FetchFailedError struct {
	URL string
	Err error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("failed to fetch media %s: %v", e.URL, e.Err)
}

func (e *FetchFailedError) Unwrap() error { return e.Err }

// UnsupportedContentTypeError is returned when the media host answers with
// anything other than a JPEG, PNG or GIF payload.
type UnsupportedContentTypeError struct {
	URL         string
	ContentType string
}

func (e *UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf("unsupported content type %q for media %s", e.ContentType, e.URL)
}

func (e *UnsupportedContentTypeError) Unwrap() error { return ErrUnsupportedMediaType }

// isFatal reports whether err must end the run instead of only the current
// room or attachment.
func isFatal(err error) bool {
	return errors.Is(err, ErrAuthFailure) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
