package web

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pragmahq/mktreplay/pkg/catalogue"
	"github.com/pragmahq/mktreplay/pkg/replay"
)

// newTestServer builds the HTTP API over a small catalogue, one quote event
// per timestamp, driven by the given clock.
func newTestServer(t *testing.T, clock clockwork.Clock, timestamps ...int64) (*httptest.Server, *replay.Registry) {
	t.Helper()

	rows := make([]catalogue.Event, 0, len(timestamps))
	for i, ts := range timestamps {
		rows = append(rows, catalogue.Event{Timestamp: ts, Type: "Quote", Price1: 100 + float64(i), Shares1: 10, Xchg1: "NYSE"})
	}
	cat, err := catalogue.Build(rows)
	require.NoError(t, err)

	registry := replay.NewRegistry(replay.RegistryConfig{Catalogue: cat, Clock: clock, Tick: time.Millisecond, Capacity: 16})
	srv := NewServer("127.0.0.1:0", cat, registry)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	t.Cleanup(registry.Close) // runs before ts.Close, ending any open streams
	return ts, registry
}

func doRequest(t *testing.T, method, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test helper
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func createSession(t *testing.T, baseURL string) string {
	t.Helper()
	code, body := doRequest(t, http.MethodPost, baseURL+"/mktdata/session")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body)
	return body
}

func getInfo(t *testing.T, baseURL, id string) replay.Info {
	t.Helper()
	code, body := doRequest(t, http.MethodGet, baseURL+"/mktdata/session/"+id)
	require.Equal(t, http.StatusOK, code)
	var info replay.Info
	require.NoError(t, json.Unmarshal([]byte(body), &info))
	return info
}

// subscribeNDJSON opens an NDJSON stream and returns it once the response
// headers have arrived, which also means the subscriber slot is claimed.
func subscribeNDJSON(t *testing.T, baseURL, id string) *bufio.Scanner {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, baseURL+"/mktdata/session/subscribe/"+id, http.NoBody)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := http.DefaultClient.Do(req) //nolint:bodyclose // closed via test cleanup
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	return bufio.NewScanner(resp.Body)
}

// readNDJSON reads the next event line off the stream.
func readNDJSON(t *testing.T, sc *bufio.Scanner) catalogue.Event {
	t.Helper()
	require.True(t, sc.Scan(), "stream ended before the expected event")
	var ev catalogue.Event
	require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
	return ev
}

func TestCreateAndInfo(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 100, 200, 300)

	id := createSession(t, srv.URL)
	info := getInfo(t, srv.URL, id)
	assert.Equal(t, id, info.ID)
	assert.Equal(t, replay.StateCreated, info.State)
	assert.Equal(t, 1.0, info.Speed)
	assert.Equal(t, 0, info.Cursor)
	assert.Equal(t, int64(100), info.SimClock)

	code, _ := doRequest(t, http.MethodGet, srv.URL+"/mktdata/session/no-such-id")
	assert.Equal(t, http.StatusNotFound, code)

	createSession(t, srv.URL)
	code, body := doRequest(t, http.MethodGet, srv.URL+"/mktdata/sessions")
	require.Equal(t, http.StatusOK, code)
	var infos []replay.Info
	require.NoError(t, json.Unmarshal([]byte(body), &infos))
	assert.Len(t, infos, 2)
}

func TestControlRoutes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 100, 200, 300)
	id := createSession(t, srv.URL)
	base := srv.URL + "/mktdata/session"

	code, body := doRequest(t, http.MethodPut, base+"/start/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Replay started for session "+id, body)
	assert.Equal(t, replay.StateRunning, getInfo(t, srv.URL, id).State)

	code, body = doRequest(t, http.MethodPut, base+"/stop/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Replay stopped for session "+id, body)
	assert.Equal(t, replay.StateStopped, getInfo(t, srv.URL, id).State)

	code, body = doRequest(t, http.MethodPut, base+"/speed/"+id+"/2.50")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Replay speed set to 2.5 for session "+id, body, "parsed value is echoed, not the raw param")
	assert.Equal(t, 2.5, getInfo(t, srv.URL, id).Speed)

	code, body = doRequest(t, http.MethodPut, base+"/forward/"+id+"/2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Replay forwarded 2 events for session "+id, body)
	info := getInfo(t, srv.URL, id)
	assert.Equal(t, 2, info.Cursor)
	assert.Equal(t, int64(200), info.SimClock)

	code, body = doRequest(t, http.MethodPut, base+"/jump/"+id+"/1")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Replay jumped to event 1 for session "+id, body)
	info = getInfo(t, srv.URL, id)
	assert.Equal(t, 0, info.Cursor)
	assert.Equal(t, int64(100), info.SimClock)

	code, body = doRequest(t, http.MethodPut, base+"/rewind/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Replay rewound for session "+id, body)
	assert.Equal(t, 0, getInfo(t, srv.URL, id).Cursor)
}

func TestErrorMapping(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 100, 200, 300)
	id := createSession(t, srv.URL)
	base := srv.URL + "/mktdata/session"

	t.Run("unknown session is 404 on every operation", func(t *testing.T) {
		for _, url := range []string{
			base + "/start/ghost",
			base + "/stop/ghost",
			base + "/rewind/ghost",
			base + "/speed/ghost/2",
			base + "/forward/ghost/1",
			base + "/jump/ghost/1",
		} {
			code, _ := doRequest(t, http.MethodPut, url)
			assert.Equal(t, http.StatusNotFound, code, url)
		}
		code, _ := doRequest(t, http.MethodGet, base+"/subscribe/ghost")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("bad arguments are 400", func(t *testing.T) {
		for _, url := range []string{
			base + "/speed/" + id + "/fast",
			base + "/speed/" + id + "/0",
			base + "/speed/" + id + "/-2",
			base + "/forward/" + id + "/many",
			base + "/forward/" + id + "/0",
			base + "/forward/" + id + "/-1",
			base + "/jump/" + id + "/first",
		} {
			code, _ := doRequest(t, http.MethodPut, url)
			assert.Equal(t, http.StatusBadRequest, code, url)
		}
	})

	t.Run("unknown jump target is 404", func(t *testing.T) {
		code, _ := doRequest(t, http.MethodPut, base+"/jump/"+id+"/12345")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("operations on a completed session are 409", func(t *testing.T) {
		code, _ := doRequest(t, http.MethodPut, base+"/forward/"+id+"/99")
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, replay.StateCompleted, getInfo(t, srv.URL, id).State)

		for _, url := range []string{
			base + "/start/" + id,
			base + "/stop/" + id,
			base + "/rewind/" + id,
			base + "/speed/" + id + "/2",
			base + "/forward/" + id + "/1",
			base + "/jump/" + id + "/1",
		} {
			code, _ := doRequest(t, http.MethodPut, url)
			assert.Equal(t, http.StatusConflict, code, url)
		}
	})
}

func TestSubscribeSSE(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 0, 100, 200)
	id := createSession(t, srv.URL)
	base := srv.URL + "/mktdata/session"

	code, _ := doRequest(t, http.MethodPut, base+"/speed/"+id+"/100")
	require.Equal(t, http.StatusOK, code)

	resp, err := http.Get(base + "/subscribe/" + id) //nolint:bodyclose // closed via test cleanup
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	sc := bufio.NewScanner(resp.Body)

	code, _ = doRequest(t, http.MethodPut, base+"/start/"+id)
	require.Equal(t, http.StatusOK, code)
	clock.BlockUntil(1)

	clock.Advance(time.Millisecond) // virtual clock 0 -> 100, two events due
	first := readSSE(t, sc)
	assert.Equal(t, "1", first.id)
	assert.Equal(t, 1, first.event.ID)
	assert.Equal(t, int64(0), first.event.Timestamp)
	second := readSSE(t, sc)
	assert.Equal(t, "2", second.id)

	clock.Advance(time.Millisecond) // virtual clock 100 -> 200, last event
	third := readSSE(t, sc)
	assert.Equal(t, "3", third.id)

	// completion closes the stream
	for sc.Scan() {
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, replay.StateCompleted, getInfo(t, srv.URL, id).State)
}

// ssePayload is one parsed server-sent message.
type ssePayload struct {
	id    string
	event catalogue.Event
}

// readSSE reads one message off an SSE stream: lines until the blank
// separator, picking the id and data fields.
func readSSE(t *testing.T, sc *bufio.Scanner) ssePayload {
	t.Helper()
	var p ssePayload
	var sawData bool
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if sawData {
				return p
			}
			continue // preamble or keep-alive before the first field
		}
		if v, ok := strings.CutPrefix(line, "id:"); ok {
			p.id = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(v)), &p.event))
			sawData = true
		}
	}
	t.Fatal("stream ended before a full message arrived")
	return p
}

func TestSubscribeNDJSON(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 0, 0, 0)
	id := createSession(t, srv.URL)
	base := srv.URL + "/mktdata/session"

	sc := subscribeNDJSON(t, srv.URL, id)
	code, _ := doRequest(t, http.MethodPut, base+"/start/"+id)
	require.Equal(t, http.StatusOK, code)
	clock.BlockUntil(1)

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, readNDJSON(t, sc).ID)
	assert.Equal(t, 2, readNDJSON(t, sc).ID)
	assert.Equal(t, 3, readNDJSON(t, sc).ID)

	assert.False(t, sc.Scan(), "completion closes the stream")
	require.NoError(t, sc.Err())
}

func TestSubscribeStopResume(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 0, 1, 200)
	id := createSession(t, srv.URL)
	base := srv.URL + "/mktdata/session"

	sc := subscribeNDJSON(t, srv.URL, id)
	code, _ := doRequest(t, http.MethodPut, base+"/start/"+id)
	require.Equal(t, http.StatusOK, code)
	clock.BlockUntil(1)

	clock.Advance(time.Millisecond) // virtual clock 0 -> 1
	assert.Equal(t, 1, readNDJSON(t, sc).ID)
	assert.Equal(t, 2, readNDJSON(t, sc).ID)

	code, _ = doRequest(t, http.MethodPut, base+"/stop/"+id)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, replay.StateStopped, getInfo(t, srv.URL, id).State)

	// restart picks up where the session stopped, nothing lost or repeated
	code, _ = doRequest(t, http.MethodPut, base+"/speed/"+id+"/1000")
	require.Equal(t, http.StatusOK, code)
	code, _ = doRequest(t, http.MethodPut, base+"/start/"+id)
	require.Equal(t, http.StatusOK, code)
	clock.BlockUntil(1)

	clock.Advance(time.Millisecond)
	assert.Equal(t, 3, readNDJSON(t, sc).ID)
	assert.False(t, sc.Scan(), "catalogue exhausted, stream closed")
}

func TestSubscribeRewindReplays(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 0, 1, 500)
	id := createSession(t, srv.URL)
	base := srv.URL + "/mktdata/session"

	sc := subscribeNDJSON(t, srv.URL, id)
	code, _ := doRequest(t, http.MethodPut, base+"/start/"+id)
	require.Equal(t, http.StatusOK, code)
	clock.BlockUntil(1)

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, readNDJSON(t, sc).ID)
	assert.Equal(t, 2, readNDJSON(t, sc).ID)

	code, _ = doRequest(t, http.MethodPut, base+"/rewind/"+id)
	require.Equal(t, http.StatusOK, code)

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, readNDJSON(t, sc).ID, "rewind replays from the first event")
	assert.Equal(t, 2, readNDJSON(t, sc).ID)

	// crank the speed so the distant last event comes due on the next tick
	code, _ = doRequest(t, http.MethodPut, base+"/speed/"+id+"/1000")
	require.Equal(t, http.StatusOK, code)

	clock.Advance(time.Millisecond)
	assert.Equal(t, 3, readNDJSON(t, sc).ID)
	assert.False(t, sc.Scan(), "catalogue exhausted, stream closed")
	require.NoError(t, sc.Err())
	assert.Equal(t, replay.StateCompleted, getInfo(t, srv.URL, id).State)
}

func TestSubscribeConflict(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 0, 100)
	id := createSession(t, srv.URL)

	subscribeNDJSON(t, srv.URL, id)

	code, body := doRequest(t, http.MethodGet, srv.URL+"/mktdata/session/subscribe/"+id)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body, "already subscribed")
}

func TestSubscribeCompletedSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 0, 100)
	id := createSession(t, srv.URL)
	base := srv.URL + "/mktdata/session"

	code, _ := doRequest(t, http.MethodPut, base+"/forward/"+id+"/99")
	require.Equal(t, http.StatusOK, code)

	// subscribing after completion yields an immediately closed stream
	sc := subscribeNDJSON(t, srv.URL, id)
	assert.False(t, sc.Scan())
	require.NoError(t, sc.Err())
}

func TestIdleEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, registry := newTestServer(t, clock, 100, 200) // default 1h TTL
	id := createSession(t, srv.URL)
	base := srv.URL + "/mktdata/session"

	sc := subscribeNDJSON(t, srv.URL, id)

	clock.Advance(time.Hour + time.Minute)
	require.Equal(t, 1, registry.EvictIdle())

	// the session is gone from the API and the attached stream ends
	code, _ := doRequest(t, http.MethodPut, base+"/start/"+id)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doRequest(t, http.MethodGet, base+"/"+id)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, sc.Scan())
	require.NoError(t, sc.Err())
}

func TestHealth(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 100, 200, 300)

	code, body := doRequest(t, http.MethodGet, srv.URL+"/health")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","sessions":0,"events":3}`, body)

	createSession(t, srv.URL)
	code, body = doRequest(t, http.MethodGet, srv.URL+"/health")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok","sessions":1,"events":3}`, body)
}

func TestMetricsEndpoint(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv, _ := newTestServer(t, clock, 100)
	createSession(t, srv.URL)

	code, body := doRequest(t, http.MethodGet, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "mktreplay_sessions_created_total")
	assert.Contains(t, body, "mktreplay_sessions_active")
}
