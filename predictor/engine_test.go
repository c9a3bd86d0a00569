package predictor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"signalcast/dataset"
	"signalcast/ledger"
	"signalcast/ml"
	"signalcast/monitoring"
	"signalcast/pathloss"
)

// Combined features 100..500 (mean 300), signal -40..-48 (mean -44).
const fiveRows = `distance,height,power,signal
200,0,100,-40
500,0,100,-42
800,0,100,-44
1100,0,100,-46
1400,0,100,-48
`

type csvServer struct {
	mu   sync.Mutex
	body string
	fail bool
	hits int32
	srv  *httptest.Server
}

func newCSVServer(t *testing.T, body string) *csvServer {
	t.Helper()
	s := &csvServer{body: body}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(s.body))
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *csvServer) set(body string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = body
	s.fail = fail
}

func newEngine(t *testing.T, source string, opts ...Option) *Engine {
	t.Helper()
	return newEngineWithConfig(t, source, DefaultConfig(), opts...)
}

func newEngineWithConfig(t *testing.T, source string, cfg Config, opts ...Option) *Engine {
	t.Helper()
	loader := dataset.NewLoader(dataset.Config{Source: source}, nil).WithCache(dataset.NewCache(2))
	return NewEngine(loader, cfg, opts...)
}

func TestEndToEndRegression(t *testing.T) {
	srv := newCSVServer(t, fiveRows)
	engine := newEngine(t, srv.srv.URL)

	_, err := engine.Predict(Regression, 800, 0, 100)
	require.ErrorIs(t, err, ErrNotInitialized)

	a, err := engine.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, a.Rows)
	assert.InDelta(t, 300, a.X.Mean, 1e-9)
	assert.InDelta(t, -44, a.Y.Mean, 1e-9)

	got, err := engine.Predict(Regression, 800, 0, 100)
	require.NoError(t, err)
	assert.InDelta(t, -44, got, 1e-6)

	again, err := engine.Initialize(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&srv.hits))
}

func TestRefreshRetrainsOnlyOnChange(t *testing.T) {
	srv := newCSVServer(t, fiveRows)
	engine := newEngine(t, srv.srv.URL)

	first, err := engine.Initialize(context.Background())
	require.NoError(t, err)

	refreshed, err := engine.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, refreshed)
	cur, _ := engine.Artifacts()
	assert.Same(t, first, cur)

	refreshed, err = engine.Refresh(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, refreshed)

	srv.set(fiveRows+"1700,0,100,-50\n", false)
	refreshed, err = engine.Refresh(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, refreshed)
	cur, _ = engine.Artifacts()
	assert.Equal(t, 6, cur.Rows)
	assert.NotEqual(t, first.Fingerprint, cur.Fingerprint)
}

func TestRefreshFailureKeepsModel(t *testing.T) {
	srv := newCSVServer(t, fiveRows)
	engine := newEngine(t, srv.srv.URL)

	first, err := engine.Initialize(context.Background())
	require.NoError(t, err)

	srv.set("", true)
	_, err = engine.Refresh(context.Background(), true)
	require.ErrorIs(t, err, dataset.ErrDataUnavailable)

	cur, ok := engine.Artifacts()
	require.True(t, ok)
	assert.Same(t, first, cur)
}

func TestInitializeFailsOnDegenerateData(t *testing.T) {
	srv := newCSVServer(t, "distance,height,power,signal\n100,0,100,-30\n200,0,100,-30\n")
	engine := newEngine(t, srv.srv.URL)

	_, err := engine.Initialize(context.Background())
	require.ErrorIs(t, err, ml.ErrDegenerateDataset)
	_, ok := engine.Artifacts()
	assert.False(t, ok)
}

func TestInitializeWarmStartsFromModelFile(t *testing.T) {
	srv := newCSVServer(t, fiveRows)
	path := filepath.Join(t.TempDir(), "model.json")

	cfg := DefaultConfig()
	cfg.ModelPath = path
	loader := dataset.NewLoader(dataset.Config{Source: srv.srv.URL}, nil).WithCache(dataset.NewCache(2))

	trained, err := NewEngine(loader, cfg).Initialize(context.Background())
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	warm := NewEngine(loader.WithCache(dataset.NewCache(2)), cfg)
	loaded, err := warm.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trained.Model, loaded.Model)
	assert.True(t, trained.TrainedAt.Equal(loaded.TrainedAt), "unchanged data must not retrain")
	// the second engine still fetches once to compare fingerprints
	assert.Equal(t, int32(2), atomic.LoadInt32(&srv.hits))
}

const sixRows = fiveRows + "1700,0,100,-50\n"

func TestInitializeIgnoresModelFileFromOtherSource(t *testing.T) {
	oldSrv := newCSVServer(t, fiveRows)
	newSrv := newCSVServer(t, sixRows)
	cfg := DefaultConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "model.json")

	_, err := NewEngine(dataset.NewLoader(dataset.Config{Source: oldSrv.srv.URL}, nil).WithCache(dataset.NewCache(2)), cfg).
		Initialize(context.Background())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	engine := NewEngine(dataset.NewLoader(dataset.Config{Source: newSrv.srv.URL}, nil).WithCache(dataset.NewCache(2)), cfg,
		WithLogger(zap.New(core)))
	a, err := engine.Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, newSrv.srv.URL, a.Source)
	assert.Equal(t, 6, a.Rows)
	assert.Equal(t, 1, logs.FilterMessage("ignoring model file trained on another source").Len())

	saved, err := ml.LoadModel(ml.KindLinear, cfg.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, newSrv.srv.URL, saved.Source)
}

func TestInitializeRetrainsStaleModelFile(t *testing.T) {
	srv := newCSVServer(t, fiveRows)
	cfg := DefaultConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "model.json")

	_, err := newEngineWithConfig(t, srv.srv.URL, cfg).Initialize(context.Background())
	require.NoError(t, err)

	srv.set(sixRows, false)
	core, logs := observer.New(zapcore.InfoLevel)
	a, err := newEngineWithConfig(t, srv.srv.URL, cfg, WithLogger(zap.New(core))).Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, a.Rows)
	assert.Equal(t, 1, logs.FilterMessage("model file is stale, retraining").Len())
}

func TestInitializeFallsBackToModelFileWhenDataUnavailable(t *testing.T) {
	srv := newCSVServer(t, fiveRows)
	cfg := DefaultConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "model.json")

	trained, err := newEngineWithConfig(t, srv.srv.URL, cfg).Initialize(context.Background())
	require.NoError(t, err)

	srv.set(fiveRows, true)
	a, err := newEngineWithConfig(t, srv.srv.URL, cfg).Initialize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trained.Model, a.Model)
}

func TestTrainingIsRecordedAndLogged(t *testing.T) {
	srv := newCSVServer(t, fiveRows)
	core, logs := observer.New(zapcore.InfoLevel)
	reg := prometheus.NewRegistry()
	metrics, err := monitoring.NewCollector(reg)
	require.NoError(t, err)

	var recorded []*ml.Artifacts
	engine := newEngine(t, srv.srv.URL,
		WithLogger(zap.New(core)),
		WithMetrics(metrics),
		WithRecorder(RecorderFunc(func(a *ml.Artifacts) error {
			recorded = append(recorded, a)
			return errors.New("disk full")
		})),
	)

	_, err = engine.Initialize(context.Background())
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	assert.Equal(t, 1, logs.FilterMessage("model trained").Len())
	assert.Equal(t, 1, logs.FilterMessage("training log write failed").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TrainingRuns.WithLabelValues("ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.DatasetRows))
}

func TestExecuteRecordsFormulaPrediction(t *testing.T) {
	engine := NewEngine(nil, DefaultConfig())
	l := ledger.New()

	entry, err := engine.Execute(l, Command{Title: "reference", Distance: 100, Height: 0, Power: 100})
	require.NoError(t, err)
	assert.Equal(t, -20.054, entry.Signal)
	assert.Equal(t, "formula", entry.Strategy)
	assert.Equal(t, []string{"reference"}, l.List())
}

func TestExecuteRejectsBlankTitle(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := monitoring.NewCollector(reg)
	require.NoError(t, err)
	engine := NewEngine(nil, DefaultConfig(), WithMetrics(metrics))
	l := ledger.New()

	_, err = engine.Execute(l, Command{Title: "  ", Distance: 100, Height: 0, Power: 100})
	require.ErrorIs(t, err, ledger.ErrValidation)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, 0, testutil.CollectAndCount(metrics.Predictions))
}

func TestExecuteInvalidInputLeavesLedgerUnchanged(t *testing.T) {
	engine := NewEngine(nil, DefaultConfig())
	l := ledger.New()

	_, err := engine.Execute(l, Command{Title: "zero", Distance: 0, Height: 0, Power: 100})
	require.ErrorIs(t, err, pathloss.ErrInvalidInput)

	_, err = engine.Execute(l, Command{Title: "odd", Distance: 10, Power: 100, Strategy: "neural"})
	require.ErrorIs(t, err, pathloss.ErrInvalidInput)

	_, err = engine.Execute(l, Command{Title: "early", Distance: 10, Power: 100, Strategy: Regression})
	require.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, 0, l.Len())
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy(" Regression ")
	require.NoError(t, err)
	assert.Equal(t, Regression, s)

	_, err = ParseStrategy("")
	require.ErrorIs(t, err, pathloss.ErrInvalidInput)
}
