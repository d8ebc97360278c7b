package console

import (
	"bytes"
	"context"
	"errors"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autopeer-io/mqttconsole/internal/eventlog"
	"github.com/autopeer-io/mqttconsole/internal/payload"
	"github.com/autopeer-io/mqttconsole/internal/session"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
)

type fakeConn struct {
	emit mqtt.EmitFunc

	mu        sync.Mutex
	published []string
}

func (c *fakeConn) Subscribe(string, byte) error { return nil }
func (c *fakeConn) Unsubscribe(string) error { return nil }
func (c *fakeConn) Close() {}

func (c *fakeConn) Publish(topic string, qos byte, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, string(payload))
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	last  *fakeConn
	ready chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{ready: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Open(cfg mqtt.ConnectionConfig, emit mqtt.EmitFunc) mqtt.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last = &fakeConn{emit: emit}
	d.ready <- d.last
	return d.last
}

type fixture struct {
	srv     *httptest.Server
	api     *API
	manager *session.Manager
	dialer  *fakeDialer
}

func newFixture(t *testing.T, opts ...session.Option) *fixture {
	t.Helper()

	d := newFakeDialer()
	m, err := session.NewManager(d, nil, append([]session.Option{session.WithTopics()}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	cfg := mqtt.DefaultConnectionConfig()
	cfg.Host = "localhost"
	cfg.Username = "user"
	cfg.Password = "secret"

	api := NewAPI(m, cfg, payload.KindText, nil, 5*time.Second)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})

	return &fixture{srv: srv, api: api, manager: m, dialer: d}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func (f *fixture) snapshot(t *testing.T) session.Snapshot {
	t.Helper()

	code, body := f.do(t, http.MethodGet, "/api/v1/snapshot", "")
	if code != http.StatusOK {
		t.Fatalf("snapshot status = %d, body %s", code, body)
	}
	var s session.Snapshot
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return s
}

func (f *fixture) connect(t *testing.T) *fakeConn {
	t.Helper()

	if code, body := f.do(t, http.MethodPost, "/api/v1/connect", ""); code != http.StatusOK {
		t.Fatalf("connect status = %d, body %s", code, body)
	}
	c := <-f.dialer.ready
	c.emit(mqtt.Opened{})
	if s := f.snapshot(t); s.State != session.StateConnected {
		t.Fatalf("State = %s, want Connected", s.State)
	}
	return c
}

func TestProbes(t *testing.T) {
	f := newFixture(t)

	if code, _ := f.do(t, http.MethodGet, "/healthz", ""); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/readyz", ""); code != http.StatusOK {
		t.Errorf("readyz = %d", code)
	}
	code, body := f.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "mqttconsole_connection_state") {
		t.Errorf("metrics = %d, missing connection_state", code)
	}
}

func TestReadyzBeforeRun(t *testing.T) {
	m, err := session.NewManager(newFakeDialer(), nil)
	if err != nil {
		t.Fatal(err)
	}
	api := NewAPI(m, mqtt.DefaultConnectionConfig(), payload.KindText, nil, time.Second)

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503", rec.Code)
	}
}

func TestConfig(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/v1/config", "")
	if code != http.StatusOK {
		t.Fatalf("GET config = %d", code)
	}
	if strings.Contains(body, "secret") || !strings.Contains(body, redactedMask) {
		t.Errorf("password not redacted: %s", body)
	}

	var got configResult
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatal(err)
	}

	// read-modify-write keeps the hidden password
	got.Config.Port = 1883
	b, _ := json.Marshal(got.Config)
	if code, body := f.do(t, http.MethodPut, "/api/v1/config", string(b)); code != http.StatusOK {
		t.Fatalf("PUT config = %d, body %s", code, body)
	}
	if d := f.api.draft.get(); d.Port != 1883 || d.Password != "secret" {
		t.Errorf("draft = %+v", d)
	}

	code, body = f.do(t, http.MethodPut, "/api/v1/config", `{"host":"localhost","port":0}`)
	if code != http.StatusUnprocessableEntity || !strings.Contains(body, `"ok":false`) {
		t.Errorf("invalid PUT = %d, body %s", code, body)
	}

	if code, _ := f.do(t, http.MethodPut, "/api/v1/config", `{`); code != http.StatusBadRequest {
		t.Errorf("malformed PUT = %d, want 400", code)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/connect", `{"port":0}`)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("invalid connect = %d, body %s", code, body)
	}
	if d := f.api.draft.get(); d.Port != mqtt.DefaultPort {
		t.Errorf("rejected body changed the draft: %+v", d)
	}

	f.connect(t)
	s := f.snapshot(t)
	if s.BrokerURL != "ws://localhost:8083/mqtt" {
		t.Errorf("BrokerURL = %q", s.BrokerURL)
	}

	if code, _ := f.do(t, http.MethodPost, "/api/v1/disconnect", ""); code != http.StatusOK {
		t.Errorf("disconnect = %d", code)
	}
	if s := f.snapshot(t); s.State != session.StateDisconnected {
		t.Errorf("State = %s", s.State)
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/v1/subscriptions", `{"filter":"a/b"}`},
		{http.MethodDelete, "/api/v1/subscriptions?filter=a/b", ""},
		{http.MethodPost, "/api/v1/publish", `{"topic":"a/b","payload":"1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			code, body := f.do(t, tt.method, tt.path, tt.body)
			if code != http.StatusConflict {
				t.Errorf("status = %d, want 409", code)
			}
			if !strings.Contains(body, "not connected") {
				t.Errorf("body = %s", body)
			}
		})
	}
}

func TestSubscriptionsAndPublish(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t)

	if code, body := f.do(t, http.MethodPost, "/api/v1/subscriptions", `{"filter":"a/#/b"}`); code != http.StatusUnprocessableEntity {
		t.Errorf("invalid filter = %d, body %s", code, body)
	}
	if code, _ := f.do(t, http.MethodPost, "/api/v1/subscriptions", `{"filter":"sensor/+"}`); code != http.StatusOK {
		t.Errorf("subscribe = %d", code)
	}
	if s := f.snapshot(t); len(s.Subscriptions) != 1 || s.Subscriptions[0] != "sensor/+" {
		t.Errorf("Subscriptions = %v", s.Subscriptions)
	}
	if code, _ := f.do(t, http.MethodDelete, "/api/v1/subscriptions?filter=other", ""); code != http.StatusNotFound {
		t.Errorf("unsubscribe unknown = %d, want 404", code)
	}

	code, _ := f.do(t, http.MethodPost, "/api/v1/publish", `{"topic":"control/led","payload":"{\"on\": true}","kind":"json"}`)
	if code != http.StatusOK {
		t.Fatalf("publish json = %d", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/v1/publish", `{"topic":"control/led","payload":"{on","kind":"json"}`)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("publish invalid json = %d, want 422", code)
	}
	code, _ = f.do(t, http.MethodPost, "/api/v1/publish", `{"topic":"control/led","payload":"x","kind":"xml"}`)
	if code != http.StatusUnprocessableEntity {
		t.Errorf("publish unknown kind = %d, want 422", code)
	}

	c.mu.Lock()
	published := append([]string(nil), c.published...)
	c.mu.Unlock()
	if len(published) != 1 || published[0] != `{"on":true}` {
		t.Errorf("published %q", published)
	}
}

func TestSeriesPNG(t *testing.T) {
	f := newFixture(t)
	c := f.connect(t)

	if code, _ := f.do(t, http.MethodPut, "/api/v1/selection", `{"topic":"sensor/temperature"}`); code != http.StatusOK {
		t.Fatalf("select = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/v1/series.png", ""); code != http.StatusConflict {
		t.Errorf("empty series = %d, want 409", code)
	}

	for _, v := range []string{"21.5", "n/a", "22"} {
		c.emit(mqtt.MessageArrived{Topic: "sensor/temperature", Payload: []byte(v)})
	}

	resp, err := f.srv.Client().Get(f.srv.URL + "/api/v1/series.png")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/png" {
		t.Fatalf("status = %d, content type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	img, err := png.DecodeConfig(resp.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Width != chartWidth || img.Height != chartHeight {
		t.Errorf("size = %dx%d", img.Width, img.Height)
	}
}

func TestRenderSeries(t *testing.T) {
	var buf bytes.Buffer
	if err := renderSeries(&buf, "one", []eventlog.Point{{Index: 0, Value: 1}}); !errors.Is(err, ErrNotEnoughPoints) {
		t.Errorf("single point error = %v, want ErrNotEnoughPoints", err)
	}

	flat := []eventlog.Point{{Index: 0, Value: 5}, {Index: 1, Value: 5}}
	if err := renderSeries(&buf, "flat", flat); err != nil {
		t.Fatalf("renderSeries() error = %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")) {
		t.Error("output is not a PNG")
	}
}

func TestWatch(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/watch"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() session.Snapshot {
		t.Helper()
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var s session.Snapshot
		if err := json.Unmarshal(b, &s); err != nil {
			t.Fatal(err)
		}
		return s
	}

	if s := read(); s.State != session.StateDisconnected {
		t.Errorf("first State = %s", s.State)
	}

	f.connect(t)
	for {
		if s := read(); s.State == session.StateConnected {
			return
		}
	}
}
