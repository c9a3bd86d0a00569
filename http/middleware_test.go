package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"signalcast/ledger"
	"signalcast/monitoring"
	"signalcast/predictor"
	"signalcast/session"
)

func TestRecoveryMiddleware(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	h := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Fatalf("expected panic to be logged, got %v", logs.All())
	}
}

func TestLoggerMiddlewareCountsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := monitoring.NewCollector(reg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	core, logs := observer.New(zapcore.InfoLevel)

	h := LoggerMiddleware(zap.New(core), metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected request id in context")
		}
		w.WriteHeader(http.StatusTeapot)
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID response header")
	}
	if got := testutil.ToFloat64(metrics.HTTPRequests.WithLabelValues("GET", "418")); got != 1 {
		t.Fatalf("requests = %v, want 1", got)
	}
	entries := logs.FilterMessage("request").All()
	if len(entries) != 1 || entries[0].ContextMap()["status"] != int64(http.StatusTeapot) {
		t.Fatalf("unexpected log entries: %v", entries)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	_, h := newTestAPI(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/predict", nil)
	req.Header.Set("Origin", "https://example.org")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://example.org" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), SessionHeader) {
		t.Fatalf("session header not allowed: %q", w.Header().Get("Access-Control-Allow-Headers"))
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("expected security headers")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORSMiddleware([]string{"https://good.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unexpected allow origin header")
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	api := &API{
		Engine:   predictor.NewEngine(nil, predictor.DefaultConfig()),
		Sessions: session.NewStore(2, nil, nil),
	}
	cfg := DefaultServerConfig()
	cfg.MaxBodyBytes = 16
	h := NewHandler(cfg, api)

	w := do(t, h, http.MethodPost, "/api/predict", "",
		`{"title":"a long title that does not fit","distance_cm":1,"height_cm":0,"power_mw":1}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
	if api.Sessions.Len() != 0 {
		t.Fatalf("expected no session to be created")
	}
}

func TestTimeoutMiddleware(t *testing.T) {
	h := TimeoutMiddleware(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestWebSocketThroughMiddleware(t *testing.T) {
	hub := monitoring.NewHub(zap.NewNop())
	go hub.Run()
	defer hub.Stop()

	engine := predictor.NewEngine(nil, predictor.DefaultConfig(), predictor.WithHub(hub))
	api := &API{
		Engine:   engine,
		Sessions: session.NewStore(4, nil, nil),
		Hub:      hub,
	}
	cfg := DefaultServerConfig()
	cfg.Timeout = 50 * time.Millisecond
	srv := httptest.NewServer(NewHandler(cfg, api))
	defer srv.Close()

	id := session.NewID()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?session=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// outlive the request timeout before anything is published
	time.Sleep(100 * time.Millisecond)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/predict",
		strings.NewReader(`{"title":"hall","distance_cm":100,"height_cm":0,"power_mw":100}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg monitoring.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if msg.Type != monitoring.PredictionRecorded || msg.Topic != id {
		t.Fatalf("unexpected message: %+v", msg)
	}
	var entry ledger.Entry
	if err := json.Unmarshal(msg.Data, &entry); err != nil || entry.Title != "hall" {
		t.Fatalf("unexpected payload %s: %v", msg.Data, err)
	}
}
