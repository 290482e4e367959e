// rexit - Export Reddit chat history and saved posts.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// DefaultHomeserverURL is the Matrix front of Reddit chat.
const DefaultHomeserverURL = "https://matrix.redditspace.com"

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// HomeserverURL is the base URL for the client-server API.
	HomeserverURL string
	// MediaURL is the base URL for media downloads. Defaults to HomeserverURL.
	MediaURL string
	// AccessToken is the bearer token supplied by the authenticator.
	AccessToken string
	// HTTPClient is used for all requests. If nil, a client with Timeout is built.
	HTTPClient *http.Client
	// Timeout applies to the default HTTP client only.
	Timeout time.Duration
	Log     zerolog.Logger
}

// Client talks to the chat homeserver and the media host. Requests to other
// hosts go through a second mautrix client that has no access token.
type Client struct {
	matrix   *mautrix.Client
	anon     *mautrix.Client
	baseURL  string
	mediaURL string
}

// NewClient validates cfg and returns a ready Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("homeserver URL is required")
	}
	mediaURL := cfg.MediaURL
	if mediaURL == "" {
		mediaURL = cfg.HomeserverURL
	} else if _, err := mautrix.ParseAndNormalizeBaseURL(mediaURL); err != nil {
		return nil, fmt.Errorf("invalid media URL %q: %w", mediaURL, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	log := cfg.Log.With().Str("component", "client").Logger()

	matrix, err := mautrix.NewClient(cfg.HomeserverURL, "", cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("invalid homeserver URL %q: %w", cfg.HomeserverURL, err)
	}
	anon, err := mautrix.NewClient(cfg.HomeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("invalid homeserver URL %q: %w", cfg.HomeserverURL, err)
	}
	for _, cli := range []*mautrix.Client{matrix, anon} {
		cli.Client = httpClient
		cli.Log = log
		// Retries are owned by RetryPolicy so that every attempt is counted.
		cli.DefaultHTTPRetries = 0
	}
	return &Client{
		matrix:   matrix,
		anon:     anon,
		baseURL:  strings.TrimRight(cfg.HomeserverURL, "/"),
		mediaURL: strings.TrimRight(mediaURL, "/"),
	}, nil
}

// MediaBaseURL returns the base that mxc:// URIs are rewritten against.
func (c *Client) MediaBaseURL() string {
	return c.mediaURL
}

// JoinedRooms lists every room the account is a member of.
func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.matrix.JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list joined rooms: %w", classifyRequestError(ctx, err))
	}
	return resp.JoinedRooms, nil
}

// RoomMessages fetches one backward page of room history and returns the raw
// body. Decoding is left to the caller so that a malformed body can be
// retried as such.
func (c *Client) RoomMessages(ctx context.Context, roomID id.RoomID, from string, limit int) ([]byte, error) {
	query := map[string]string{
		"limit": strconv.Itoa(limit),
		"dir":   string(mautrix.DirectionBackward),
	}
	if from != "" {
		query["from"] = from
	}
	requestURL := c.matrix.BuildURLWithQuery(mautrix.ClientURLPath{"r0", "rooms", roomID, "messages"}, query)
	body, _, err := c.get(ctx, c.matrix, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages for %s: %w", roomID, err)
	}
	return body, nil
}

// DisplayName resolves a user ID through the profile endpoint.
func (c *Client) DisplayName(ctx context.Context, userID id.UserID) (string, error) {
	var resp mautrix.RespUserDisplayName
	requestURL := c.matrix.BuildClientURL("r0", "profile", userID, "displayname")
	if _, _, err := c.get(ctx, c.matrix, requestURL, &resp); err != nil {
		return "", fmt.Errorf("failed to get display name of %s: %w", userID, err)
	}
	return resp.DisplayName, nil
}

// Download fetches a fully resolved media URL and returns the body together
// with its Content-Type header. The bearer token is only attached for
// requests to the homeserver or media host.
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	cli := c.anon
	if c.ownsURL(rawURL) {
		cli = c.matrix
	}
	body, header, err := c.get(ctx, cli, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	return body, header.Get("Content-Type"), nil
}

// GetJSON fetches an arbitrary authenticated JSON document (saved posts).
func (c *Client) GetJSON(ctx context.Context, rawURL string) ([]byte, error) {
	body, _, err := c.get(ctx, c.matrix, rawURL, nil)
	return body, err
}

func (c *Client) ownsURL(rawURL string) bool {
	return strings.HasPrefix(rawURL, c.baseURL+"/") || strings.HasPrefix(rawURL, c.mediaURL+"/")
}

// get performs a single GET attempt. With a nil into the raw body is
// returned undecoded.
func (c *Client) get(ctx context.Context, cli *mautrix.Client, requestURL string, into any) ([]byte, http.Header, error) {
	body, resp, err := cli.MakeFullRequestWithResp(ctx, mautrix.FullRequest{
		Method:       http.MethodGet,
		URL:          requestURL,
		ResponseJSON: into,
		MaxAttempts:  1,
	})
	if err != nil {
		return nil, nil, classifyRequestError(ctx, err)
	}
	return body, resp.Header, nil
}

// isNotFound reports whether err is a 404 from any of the hosts.
func isNotFound(err error) bool {
	var reqErr *RequestError
	return errors.Is(err, mautrix.MNotFound) || (errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound)
}
