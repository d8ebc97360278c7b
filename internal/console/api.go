package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autopeer-io/mqttconsole/internal/payload"
	"github.com/autopeer-io/mqttconsole/internal/pkg/metrics"
	mw "github.com/autopeer-io/mqttconsole/internal/pkg/middleware/http"
	"github.com/autopeer-io/mqttconsole/internal/session"
	"github.com/autopeer-io/mqttconsole/pkg/log"
	"github.com/autopeer-io/mqttconsole/pkg/mqtt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// Session is the part of *session.Manager the API drives.
type Session interface {
	Connect(ctx context.Context, cfg mqtt.ConnectionConfig) error
	Disconnect(ctx context.Context) error
	Subscribe(ctx context.Context, filter string) error
	Unsubscribe(ctx context.Context, filter string) error
	SelectTopic(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic, body string, kind payload.Kind) error
	Snapshot(ctx context.Context) (session.Snapshot, error)
	Watch(ctx context.Context) (<-chan session.Snapshot, error)
	Running() bool
}

var _ Session = (*session.Manager)(nil)

// API serves the display surface of one session over HTTP.
type API struct {
	session Session
	draft   *draft
	kind    payload.Kind
	log     log.Logger

	timeout      time.Duration
	pingInterval time.Duration
}

// NewAPI returns an API driving s. cfg is the initial draft connection
// config and kind the payload kind used when a publish request names none.
func NewAPI(s Session, cfg mqtt.ConnectionConfig, kind payload.Kind, l log.Logger, timeout time.Duration) *API {
	if l == nil {
		l = log.NewNopLogger()
	}
	return &API{
		session:      s,
		draft:        newDraft(cfg),
		kind:         kind,
		log:          l,
		timeout:      timeout,
		pingInterval: 30 * time.Second,
	}
}

// SetDraft replaces the connection config used by the next connect.
func (a *API) SetDraft(cfg mqtt.ConnectionConfig) {
	keepSecrets(&cfg, a.draft.get())
	a.draft.set(cfg)
}

// Handler returns the router for the API, probes and metrics.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(mw.Logging(a.log))

	r.HandleFunc("/healthz", a.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/watch", a.watch).Methods(http.MethodGet)

	bounded := mw.Timeout(a.timeout)
	route := func(path string, h http.HandlerFunc, methods ...string) {
		v1.Handle(path, bounded(h)).Methods(methods...)
	}
	route("/snapshot", a.getSnapshot, http.MethodGet)
	route("/config", a.getConfig, http.MethodGet)
	route("/config", a.putConfig, http.MethodPut)
	route("/connect", a.connect, http.MethodPost)
	route("/disconnect", a.disconnect, http.MethodPost)
	route("/subscriptions", a.subscribe, http.MethodPost)
	route("/subscriptions", a.unsubscribe, http.MethodDelete)
	route("/selection", a.selectTopic, http.MethodPut)
	route("/publish", a.publish, http.MethodPost)
	route("/series.png", a.seriesPNG, http.MethodGet)

	return r
}

type result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type configResult struct {
	OK     bool                  `json:"ok"`
	Config mqtt.ConnectionConfig `json:"config"`
}

type subscriptionRequest struct {
	Filter string `json:"filter"`
}

type selectionRequest struct {
	Topic string `json:"topic"`
}

type publishRequest struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	Kind    string `json:"kind,omitempty"`
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if !a.session.Running() {
		http.Error(w, "session manager not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *API) getSnapshot(w http.ResponseWriter, r *http.Request) {
	s, err := a.session.Snapshot(r.Context())
	if err != nil {
		a.writeResult(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, s)
}

func (a *API) getConfig(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, configResult{OK: true, Config: a.draft.get().Redacted()})
}

func (a *API) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg mqtt.ConnectionConfig
	if _, err := decodeBody(w, r, &cfg); err != nil {
		a.writeResult(w, err)
		return
	}

	keepSecrets(&cfg, a.draft.get())
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		a.writeResult(w, err)
		return
	}

	a.draft.set(cfg)
	a.writeJSON(w, http.StatusOK, configResult{OK: true, Config: cfg.Redacted()})
}

// connect uses the draft, with any fields in the body taking precedence.
// An accepted body becomes the new draft.
func (a *API) connect(w http.ResponseWriter, r *http.Request) {
	prev := a.draft.get()
	cfg := prev
	present, err := decodeBody(w, r, &cfg)
	if err != nil {
		a.writeResult(w, err)
		return
	}
	keepSecrets(&cfg, prev)

	if err := a.session.Connect(r.Context(), cfg); err != nil {
		a.writeResult(w, err)
		return
	}
	if present {
		a.draft.set(cfg)
	}
	a.writeResult(w, nil)
}

func (a *API) disconnect(w http.ResponseWriter, r *http.Request) {
	a.writeResult(w, a.session.Disconnect(r.Context()))
}

func (a *API) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if _, err := decodeBody(w, r, &req); err != nil {
		a.writeResult(w, err)
		return
	}
	a.writeResult(w, a.session.Subscribe(r.Context(), req.Filter))
}

func (a *API) unsubscribe(w http.ResponseWriter, r *http.Request) {
	a.writeResult(w, a.session.Unsubscribe(r.Context(), r.URL.Query().Get("filter")))
}

func (a *API) selectTopic(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if _, err := decodeBody(w, r, &req); err != nil {
		a.writeResult(w, err)
		return
	}
	a.writeResult(w, a.session.SelectTopic(r.Context(), req.Topic))
}

func (a *API) publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if _, err := decodeBody(w, r, &req); err != nil {
		a.writeResult(w, err)
		return
	}

	kind := a.kind
	if req.Kind != "" {
		k, err := payload.ParseKind(req.Kind)
		if err != nil {
			a.writeResult(w, err)
			return
		}
		kind = k
	}

	a.writeResult(w, a.session.Publish(r.Context(), req.Topic, req.Payload, kind))
}

func (a *API) seriesPNG(w http.ResponseWriter, r *http.Request) {
	s, err := a.session.Snapshot(r.Context())
	if err != nil {
		a.writeResult(w, err)
		return
	}

	var buf bytes.Buffer
	if err := renderSeries(&buf, s.Selected, s.Series); err != nil {
		a.writeResult(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// decodeBody decodes a JSON body into v and reports whether there was one.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) (bool, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return true, nil
}

func (a *API) writeResult(w http.ResponseWriter, err error) {
	if err == nil {
		a.writeJSON(w, http.StatusOK, result{OK: true})
		return
	}

	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Error(err, "Request failed", "status", status)
	}
	a.writeJSON(w, status, result{Error: err.Error()})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.log.Error(err, "Failed to encode response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, ErrNotEnoughPoints):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotSubscribed):
		return http.StatusNotFound
	case errors.Is(err, session.ErrPayloadInvalid),
		errors.Is(err, session.ErrInvalidTopic),
		errors.Is(err, session.ErrInvalidConfig),
		errors.Is(err, payload.ErrUnknownKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mqtt.ErrClosed), errors.Is(err, mqtt.ErrQueueFull):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrClosed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
