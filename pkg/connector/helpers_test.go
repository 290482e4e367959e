package connector

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

const testToken = "test-token"

// Minimal payloads that content sniffing recognizes.
var (
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	jpegBytes = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00")
	gifBytes  = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00")
)

// fastRetry keeps backoff sleeps out of test run time.
var fastRetry = RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// responseError builds the error the client returns for a non-2xx response.
func responseError(status int, code mautrix.RespError) *RequestError {
	httpErr := mautrix.HTTPError{Response: &http.Response{StatusCode: status}}
	if code.ErrCode != "" {
		code.StatusCode = status
		httpErr.RespError = &code
	}
	return &RequestError{StatusCode: status, Err: httpErr}
}

type fakeResponse struct {
	status int
	body   string
}

type fakeMedia struct {
	contentType string
	data        []byte
	status      int
}

// fakeHomeserver serves scripted joined rooms, message pages, profiles,
// media and saved post listings, and counts requests per path.
type fakeHomeserver struct {
	t      *testing.T
	server *httptest.Server

	lock    sync.Mutex
	rooms   []id.RoomID
	pages   map[id.RoomID]map[string][]fakeResponse
	names   map[id.UserID]string
	media   map[string]fakeMedia
	saved   map[string]string
	hits    map[string]int
	queries []string
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	fh := &fakeHomeserver{
		t:     t,
		pages: make(map[id.RoomID]map[string][]fakeResponse),
		names: make(map[id.UserID]string),
		media: make(map[string]fakeMedia),
		saved: make(map[string]string),
		hits:  make(map[string]int),
	}
	fh.server = httptest.NewServer(http.HandlerFunc(fh.serve))
	t.Cleanup(fh.server.Close)
	return fh
}

func (fh *fakeHomeserver) URL() string {
	return fh.server.URL
}

func (fh *fakeHomeserver) addRoom(roomID id.RoomID) {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	fh.rooms = append(fh.rooms, roomID)
}

// setPage scripts the responses for a messages request with the given from
// token. Responses are served in order; the last one repeats.
func (fh *fakeHomeserver) setPage(roomID id.RoomID, from string, responses ...fakeResponse) {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	if fh.pages[roomID] == nil {
		fh.pages[roomID] = make(map[string][]fakeResponse)
	}
	fh.pages[roomID][from] = responses
}

func (fh *fakeHomeserver) setName(userID id.UserID, name string) {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	fh.names[userID] = name
}

func (fh *fakeHomeserver) setMedia(path, contentType string, data []byte) {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	fh.media[path] = fakeMedia{contentType: contentType, data: data}
}

func (fh *fakeHomeserver) setMediaStatus(path string, status int) {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	fh.media[path] = fakeMedia{status: status}
}

func (fh *fakeHomeserver) setSaved(after, body string) {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	fh.saved[after] = body
}

func (fh *fakeHomeserver) hitCount(path string) int {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	return fh.hits[path]
}

func (fh *fakeHomeserver) messageQueries() []string {
	fh.lock.Lock()
	defer fh.lock.Unlock()
	return append([]string(nil), fh.queries...)
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

func (fh *fakeHomeserver) serve(writer http.ResponseWriter, request *http.Request) {
	path := request.URL.Path
	fh.lock.Lock()
	defer fh.lock.Unlock()
	fh.hits[path]++

	if request.Header.Get("Authorization") != "Bearer "+testToken && !strings.HasPrefix(path, "/cdn/") {
		writeJSON(writer, http.StatusUnauthorized, map[string]string{"errcode": mautrix.MUnknownToken.ErrCode, "error": "Unknown token"})
		return
	}

	switch {
	case path == "/_matrix/client/v3/joined_rooms":
		rooms := fh.rooms
		if rooms == nil {
			rooms = []id.RoomID{}
		}
		writeJSON(writer, http.StatusOK, map[string]any{"joined_rooms": rooms})

	case strings.HasPrefix(path, "/_matrix/client/r0/rooms/") && strings.HasSuffix(path, "/messages"):
		roomID := id.RoomID(strings.TrimSuffix(strings.TrimPrefix(path, "/_matrix/client/r0/rooms/"), "/messages"))
		fh.queries = append(fh.queries, request.URL.RawQuery)
		from := request.URL.Query().Get("from")
		responses := fh.pages[roomID][from]
		if len(responses) == 0 {
			writeJSON(writer, http.StatusNotFound, map[string]string{"errcode": mautrix.MNotFound.ErrCode, "error": "no such page"})
			return
		}
		resp := responses[0]
		if len(responses) > 1 {
			fh.pages[roomID][from] = responses[1:]
		}
		status := resp.status
		if status == 0 {
			status = http.StatusOK
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(status)
		_, _ = writer.Write([]byte(resp.body))

	case strings.HasPrefix(path, "/_matrix/client/r0/profile/") && strings.HasSuffix(path, "/displayname"):
		userID := id.UserID(strings.TrimSuffix(strings.TrimPrefix(path, "/_matrix/client/r0/profile/"), "/displayname"))
		name, ok := fh.names[userID]
		if !ok {
			writeJSON(writer, http.StatusNotFound, map[string]string{"errcode": mautrix.MNotFound.ErrCode, "error": "Profile not found"})
			return
		}
		writeJSON(writer, http.StatusOK, map[string]string{"displayname": name})

	case path == "/saved.json":
		body, ok := fh.saved[request.URL.Query().Get("after")]
		if !ok {
			writeJSON(writer, http.StatusNotFound, map[string]string{"error": "no such page"})
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(body))

	default:
		media, ok := fh.media[path]
		if !ok {
			writeJSON(writer, http.StatusNotFound, map[string]string{"errcode": mautrix.MNotFound.ErrCode, "error": "Not found"})
			return
		}
		if media.status != 0 {
			writer.WriteHeader(media.status)
			return
		}
		if media.contentType != "" {
			writer.Header().Set("Content-Type", media.contentType)
		} else {
			// Suppress net/http's own sniffing.
			writer.Header()["Content-Type"] = nil
		}
		_, _ = writer.Write(media.data)
	}
}

func newTestClient(t *testing.T, fh *fakeHomeserver) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		HomeserverURL: fh.URL(),
		AccessToken:   testToken,
		Log:           zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func textEvent(eventID string, sender id.UserID, ts int64, body string) map[string]any {
	return map[string]any{
		"event_id":         eventID,
		"type":             "m.room.message",
		"sender":           sender,
		"origin_server_ts": ts,
		"content":          map[string]any{"msgtype": "m.text", "body": body},
	}
}

func imageEvent(eventID string, sender id.UserID, ts int64, url string) map[string]any {
	return map[string]any{
		"event_id":         eventID,
		"type":             "m.room.message",
		"sender":           sender,
		"origin_server_ts": ts,
		"content":          map[string]any{"msgtype": "m.image", "body": "image.png", "url": url},
	}
}

func stateEvent(eventID string, sender id.UserID, ts int64) map[string]any {
	return map[string]any{
		"event_id":         eventID,
		"type":             "m.room.member",
		"sender":           sender,
		"origin_server_ts": ts,
		"state_key":        string(sender),
		"content":          map[string]any{"membership": "join"},
	}
}

// pageBody encodes a messages response. An empty end omits the field.
func pageBody(t *testing.T, end string, events ...map[string]any) fakeResponse {
	t.Helper()
	if events == nil {
		events = []map[string]any{}
	}
	resp := map[string]any{"chunk": events, "start": "s0"}
	if end != "" {
		resp["end"] = end
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("encoding page: %v", err)
	}
	return fakeResponse{body: string(data)}
}

type testPipeline struct {
	client  *Client
	dedup   *DedupLog
	cache   *LookupCache
	media   *MediaFetcher
	metrics *Metrics
	outDir  string
}

func newTestPipeline(t *testing.T, fh *fakeHomeserver) *testPipeline {
	t.Helper()
	return newTestPipelineIn(t, fh, t.TempDir())
}

func newTestPipelineIn(t *testing.T, fh *fakeHomeserver, outDir string) *testPipeline {
	t.Helper()
	client := newTestClient(t, fh)
	metrics := NewMetrics(nil)
	dedup, err := OpenDedupLog(outDir)
	if err != nil {
		t.Fatalf("OpenDedupLog failed: %v", err)
	}
	t.Cleanup(func() { dedup.Close() })
	cache, err := NewLookupCache(client, 16, 16, metrics, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLookupCache failed: %v", err)
	}
	media := NewMediaFetcher(cache, dedup, MediaFetcherOptions{
		Dir:          outDir + "/images",
		MediaBaseURL: client.MediaBaseURL(),
		Retry:        fastRetry,
		Metrics:      metrics,
		Log:          zerolog.Nop(),
	})
	return &testPipeline{client: client, dedup: dedup, cache: cache, media: media, metrics: metrics, outDir: outDir}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxRetries = fastRetry.MaxRetries
	cfg.RetryBaseDelay = fastRetry.BaseDelay
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("PostProcess failed: %v", err)
	}
	return cfg
}
