package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pycam/pycam-relay/internal/hub"
	"github.com/pycam/pycam-relay/internal/metrics"
)

func startStreamServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv := NewServer(cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func dialWS(t *testing.T, baseURL, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readBinary(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type=%d, want binary", msgType)
	}
	return msg
}

func expectClose(t *testing.T, c *websocket.Conn, wantCode int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("ReadMessage err=%v, want close error", err)
		}
		if closeErr.Code != wantCode {
			t.Fatalf("close code=%d, want %d", closeErr.Code, wantCode)
		}
		return
	}
}

func postFrame(t *testing.T, baseURL string, frame []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(baseURL+"/frame", "application/octet-stream", bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("post /frame: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestFrameIngestFansOutToEveryWebSocket(t *testing.T) {
	srv, ts := startStreamServer(t, Config{})

	a := dialWS(t, ts.URL, "/ws")
	b := dialWS(t, ts.URL, "/ws")
	waitFor(t, "two subscribers", func() bool { return srv.Hub().SubscriberCount() == 2 })

	resp := postFrame(t, ts.URL, []byte{0x01, 0x02})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("body=%v, want status=ok", body)
	}

	for name, c := range map[string]*websocket.Conn{"a": a, "b": b} {
		if got := readBinary(t, c); !bytes.Equal(got, []byte{0x01, 0x02}) {
			t.Fatalf("session %s got %x, want 0102", name, got)
		}
	}
}

func TestFrameIngestWithoutSubscribers(t *testing.T) {
	srv, ts := startStreamServer(t, Config{})

	resp := postFrame(t, ts.URL, []byte("jpeg"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := srv.Hub().Published(); got != 1 {
		t.Fatalf("Published=%d, want 1", got)
	}
}

func TestFrameIngestOnClosedHubIsNotCounted(t *testing.T) {
	m := metrics.New()
	h := hub.New(hub.DefaultCapacity)
	_, ts := startStreamServer(t, Config{Hub: h, Metrics: m})

	if resp := postFrame(t, ts.URL, []byte{0x01}); resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	h.Close()
	if resp := postFrame(t, ts.URL, []byte{0x02}); resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d after hub Close, want %d", resp.StatusCode, http.StatusOK)
	}

	if got := m.Get(metrics.FramesPublished); got != h.Published() {
		t.Fatalf("frames_published=%d, hub Published=%d", got, h.Published())
	}
	if got := m.Get(metrics.FramesIngestedHTTP); got != 1 {
		t.Fatalf("frames_ingested_http=%d, want 1", got)
	}

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.FramesReceived != 1 {
		t.Fatalf("framesReceived=%d, want 1", health.FramesReceived)
	}
}

func TestFrameIngestRejectsOversizedBody(t *testing.T) {
	srv, ts := startStreamServer(t, Config{MaxFrameBytes: 4})

	resp := postFrame(t, ts.URL, []byte("0123456789"))
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusRequestEntityTooLarge)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "payload_too_large" {
		t.Fatalf("code=%q, want payload_too_large", body["code"])
	}
	if got := srv.Hub().Published(); got != 0 {
		t.Fatalf("Published=%d, want 0", got)
	}
}

func TestWebSocketBinaryMessagesArePublished(t *testing.T) {
	m := metrics.New()
	srv, ts := startStreamServer(t, Config{Metrics: m})

	producer := dialWS(t, ts.URL, "/ws")
	viewer := dialWS(t, ts.URL, "/ws")
	waitFor(t, "two subscribers", func() bool { return srv.Hub().SubscriberCount() == 2 })

	if err := producer.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := producer.WriteMessage(websocket.BinaryMessage, []byte{0xca, 0xfe}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	if got := readBinary(t, viewer); !bytes.Equal(got, []byte{0xca, 0xfe}) {
		t.Fatalf("viewer got %x, want cafe", got)
	}
	if got := srv.Hub().Published(); got != 1 {
		t.Fatalf("Published=%d, want 1 (text messages are ignored)", got)
	}
	if got := m.Get(metrics.FramesIngestedWS); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.FramesIngestedWS, got)
	}
}

func TestKeepalivePingIsAcknowledged(t *testing.T) {
	m := metrics.New()
	srv, ts := startStreamServer(t, Config{Metrics: m})

	c := dialWS(t, ts.URL, "/ws")
	waitFor(t, "subscriber", func() bool { return srv.Hub().SubscriberCount() == 1 })

	pongs := make(chan string, 1)
	c.SetPongHandler(func(appData string) error {
		pongs <- appData
		return nil
	})
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := c.WriteControl(websocket.PingMessage, []byte("ping-1"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	select {
	case got := <-pongs:
		if got != "ping-1" {
			t.Fatalf("pong payload=%q, want ping-1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no keepalive acknowledgement")
	}
	waitFor(t, "keepalive ack metric", func() bool { return m.Get(metrics.WSKeepaliveAcks) == 1 })
}

func TestServerSendsKeepalivePings(t *testing.T) {
	srv, ts := startStreamServer(t, Config{PingInterval: 20 * time.Millisecond, IdleTimeout: time.Second})

	c := dialWS(t, ts.URL, "/ws")
	waitFor(t, "subscriber", func() bool { return srv.Hub().SubscriberCount() == 1 })

	pings := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatalf("no keepalive ping from server")
	}
}

func TestSessionEndsWhenClientCloses(t *testing.T) {
	srv, ts := startStreamServer(t, Config{})

	c := dialWS(t, ts.URL, "/ws")
	waitFor(t, "session", func() bool { return srv.ActiveSessions() == 1 })

	srv.mu.Lock()
	var sess *Session
	for _, s := range srv.sessions {
		sess = s
	}
	srv.mu.Unlock()
	if got := sess.State(); got != StateActive {
		t.Fatalf("state=%s, want %s", got, StateActive)
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}
	expectClose(t, c, websocket.CloseNormalClosure)

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not close after receive path ended")
	}
	if got := sess.State(); got != StateClosed {
		t.Fatalf("state=%s, want %s", got, StateClosed)
	}
	waitFor(t, "session removal", func() bool { return srv.ActiveSessions() == 0 })
	if n := srv.Hub().SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount=%d, want 0", n)
	}
}

func TestStopReleasesBlockedSendPath(t *testing.T) {
	h := hub.New(hub.DefaultCapacity)
	m := metrics.New()
	srv, ts := startStreamServer(t, Config{
		Hub:          h,
		Metrics:      m,
		PingInterval: time.Hour,
		WriteTimeout: 30 * time.Second,
	})

	c := dialWS(t, ts.URL, "/ws")
	waitFor(t, "subscriber", func() bool { return h.SubscriberCount() == 1 })

	// The client never reads, so the server's socket buffers fill and the
	// send path blocks mid-write.
	frame := bytes.Repeat([]byte{0xAB}, 1<<20)
	for i := 0; i < 64; i++ {
		h.Publish(frame)
	}
	var sent uint64
	waitFor(t, "send path to stall", func() bool {
		prev := sent
		time.Sleep(100 * time.Millisecond)
		sent = m.Get(metrics.FramesSentWS)
		return sent == prev && sent < 64
	})

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	if err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("write close: %v", err)
	}

	start := time.Now()
	waitFor(t, "session removal", func() bool { return srv.ActiveSessions() == 0 })
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("session took %s to end with a blocked send path", elapsed)
	}
	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("SubscriberCount=%d, want 0", n)
	}
}

func TestSessionEndsWhenSendPathEnds(t *testing.T) {
	h := hub.New(hub.DefaultCapacity)
	srv, ts := startStreamServer(t, Config{Hub: h})

	c := dialWS(t, ts.URL, "/ws")
	waitFor(t, "subscriber", func() bool { return h.SubscriberCount() == 1 })

	// Closing the hub ends every subscriber, which ends the send path. The
	// receive path must be cancelled and the client told why.
	h.Close()

	expectClose(t, c, websocket.CloseGoingAway)
	waitFor(t, "session removal", func() bool { return srv.ActiveSessions() == 0 })
}

func TestIdleSessionTimesOut(t *testing.T) {
	srv, ts := startStreamServer(t, Config{PingInterval: time.Hour, IdleTimeout: 100 * time.Millisecond})

	c := dialWS(t, ts.URL, "/ws")
	expectClose(t, c, websocket.CloseGoingAway)
	waitFor(t, "session removal", func() bool { return srv.ActiveSessions() == 0 })
}

func TestOversizedWebSocketMessageClosesSession(t *testing.T) {
	srv, ts := startStreamServer(t, Config{MaxFrameBytes: 4})

	c := dialWS(t, ts.URL, "/ws")
	waitFor(t, "subscriber", func() bool { return srv.Hub().SubscriberCount() == 1 })

	if err := c.WriteMessage(websocket.BinaryMessage, []byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, c, websocket.CloseMessageTooBig)
	if got := srv.Hub().Published(); got != 0 {
		t.Fatalf("Published=%d, want 0", got)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	srv, ts := startStreamServer(t, Config{})

	c := dialWS(t, ts.URL, "/ws")
	waitFor(t, "session", func() bool { return srv.ActiveSessions() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	expectClose(t, c, websocket.CloseGoingAway)
	if n := srv.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions=%d after Shutdown", n)
	}
}

func TestHealth(t *testing.T) {
	_, ts := startStreamServer(t, Config{})

	get := func() healthResponse {
		t.Helper()
		resp, err := http.Get(ts.URL + "/health")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body healthResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body
	}

	if got := get(); got != (healthResponse{Status: "ok"}) {
		t.Fatalf("initial health=%+v", got)
	}
	postFrame(t, ts.URL, []byte{1})
	postFrame(t, ts.URL, []byte{2})
	if got := get(); got != (healthResponse{Status: "ok", FramesReceived: 2, HasFrame: true}) {
		t.Fatalf("health=%+v", got)
	}
}

func TestMJPEGStream(t *testing.T) {
	srv, ts := startStreamServer(t, Config{StreamFPS: 50})

	postFrame(t, ts.URL, []byte("first"))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get /stream: %v", err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	if mediaType != "multipart/x-mixed-replace" || params["boundary"] != "frame" {
		t.Fatalf("Content-Type=%q", resp.Header.Get("Content-Type"))
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	nextPart := func() string {
		t.Helper()
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Fatalf("part Content-Type=%q, want image/jpeg", ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if cl := part.Header.Get("Content-Length"); cl == "" {
			t.Fatalf("part missing Content-Length")
		}
		return string(data)
	}

	if got := nextPart(); got != "first" {
		t.Fatalf("first part=%q, want latest frame", got)
	}
	// With no new frames the latest one is repeated.
	if got := nextPart(); got != "first" {
		t.Fatalf("repeated part=%q, want first", got)
	}

	waitFor(t, "viewer subscription", func() bool { return srv.ActiveViewers() == 1 })
	postFrame(t, ts.URL, []byte("second"))
	for {
		if got := nextPart(); got == "second" {
			break
		}
	}
}

func TestWriteMJPEGPart(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMJPEGPart(&buf, []byte{0xff, 0xd8}); err != nil {
		t.Fatalf("writeMJPEGPart: %v", err)
	}
	want := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 2\r\n\r\n\xff\xd8\r\n"
	if got := buf.String(); got != want {
		t.Fatalf("part=%q, want %q", got, want)
	}
}
