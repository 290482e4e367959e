package connector

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:6167/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.MediaBaseURL() != "http://localhost:6167" {
			t.Errorf("media base = %q, want homeserver URL without trailing slash", client.MediaBaseURL())
		}
	})

	t.Run("separate media host", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:6167", MediaURL: "https://media.example/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.MediaBaseURL() != "https://media.example" {
			t.Errorf("media base = %q", client.MediaBaseURL())
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{}); err == nil {
			t.Fatal("expected error for empty URL")
		}
	})

	t.Run("invalid URL", func(t *testing.T) {
		if _, err := NewClient(ClientConfig{HomeserverURL: "://invalid"}); err == nil {
			t.Fatal("expected error for invalid URL")
		}
	})
}

func TestClientJoinedRooms(t *testing.T) {
	fh := newFakeHomeserver(t)
	fh.addRoom("!abc:reddit.com")
	fh.addRoom("!def:reddit.com")
	client := newTestClient(t, fh)

	rooms, err := client.JoinedRooms(context.Background())
	if err != nil {
		t.Fatalf("JoinedRooms failed: %v", err)
	}
	if !slices.Equal(rooms, []id.RoomID{"!abc:reddit.com", "!def:reddit.com"}) {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestClientAuthFailure(t *testing.T) {
	fh := newFakeHomeserver(t)
	client, err := NewClient(ClientConfig{HomeserverURL: fh.URL(), AccessToken: "wrong", Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = client.JoinedRooms(context.Background())
	if !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
	if !errors.Is(err, mautrix.MUnknownToken) {
		t.Errorf("expected %s, got %v", mautrix.MUnknownToken.ErrCode, err)
	}
}

func TestClientNonJSONError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		_, _ = writer.Write([]byte("<html>upstream down</html>"))
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{HomeserverURL: server.URL, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.RoomMessages(context.Background(), "!abc:reddit.com", "", 10)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected *RequestError, got %T: %v", err, err)
	}
	if reqErr.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", reqErr.StatusCode, http.StatusBadGateway)
	}
	if !errors.Is(err, ErrTransientNetwork) {
		t.Error("502 should be transient")
	}
}

func TestClientRoomMessagesReturnsRawBody(t *testing.T) {
	fh := newFakeHomeserver(t)
	fh.setPage("!abc:reddit.com", "", fakeResponse{body: `{"chunk": [`})
	client := newTestClient(t, fh)

	body, err := client.RoomMessages(context.Background(), "!abc:reddit.com", "", 10000)
	if err != nil {
		t.Fatalf("RoomMessages failed: %v", err)
	}
	if string(body) != `{"chunk": [` {
		t.Errorf("body = %q, want the undecoded page", body)
	}
	if queries := fh.messageQueries(); len(queries) != 1 || queries[0] != "dir=b&limit=10000" {
		t.Errorf("queries = %v", queries)
	}
}

func TestClientMalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"joined_rooms": [`))
	}))
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{HomeserverURL: server.URL, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = client.JoinedRooms(context.Background())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestClientTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })
	client, err := NewClient(ClientConfig{HomeserverURL: server.URL, Timeout: 20 * time.Millisecond, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = client.RoomMessages(context.Background(), "!abc:reddit.com", "", 10)
	if !errors.Is(err, ErrTransientNetwork) {
		t.Fatalf("expected ErrTransientNetwork, got %v", err)
	}
	if isFatal(err) {
		t.Errorf("client timeout treated as fatal: %v", err)
	}
}

func TestClientConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()
	client, err := NewClient(ClientConfig{HomeserverURL: serverURL, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = client.JoinedRooms(context.Background())
	if !errors.Is(err, ErrTransientNetwork) {
		t.Fatalf("expected ErrTransientNetwork, got %v", err)
	}
}

func TestClientDoesNotSendTokenToForeignHosts(t *testing.T) {
	var gotAuth string
	foreign := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		gotAuth = request.Header.Get("Authorization")
		writer.Header().Set("Content-Type", "image/png")
		_, _ = writer.Write(pngBytes)
	}))
	t.Cleanup(foreign.Close)
	client, err := NewClient(ClientConfig{HomeserverURL: "http://homeserver.invalid", AccessToken: testToken, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	data, contentType, err := client.Download(context.Background(), foreign.URL+"/image.png")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if contentType != "image/png" || len(data) != len(pngBytes) {
		t.Errorf("contentType = %q, len = %d", contentType, len(data))
	}
	if gotAuth != "" {
		t.Errorf("token leaked to foreign host: %q", gotAuth)
	}
}
