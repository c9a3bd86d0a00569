package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"signalcast/dataset"
	"signalcast/db"
	"signalcast/ledger"
	"signalcast/ml"
	"signalcast/monitoring"
	"signalcast/pathloss"
	"signalcast/predictor"
	"signalcast/session"
)

// SessionHeader carries the session ID in both directions.
const SessionHeader = "X-Session-ID"

const defaultHistoryLimit = 20

// API holds the collaborators the handlers need.
type API struct {
	Engine   *predictor.Engine
	Sessions *session.Store
	Hub      *monitoring.Hub
	Metrics  *monitoring.Collector
	Logger   *zap.Logger
	// History defaults to db.LoadTrainingRuns.
	History func(limit int) ([]db.TrainingRun, error)
}

func (a *API) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func RegisterHandlers(mux *http.ServeMux, api *API) {
	if api.History == nil {
		api.History = db.LoadTrainingRuns
	}
	mux.HandleFunc("GET /api/health", api.handleHealth)
	mux.HandleFunc("POST /api/predict", api.handlePredict)
	mux.HandleFunc("GET /api/predictions", api.handlePredictions)
	mux.HandleFunc("GET /api/predictions/{title}", api.handlePrediction)
	mux.HandleFunc("DELETE /api/session", api.handleDropSession)
	mux.HandleFunc("GET /api/formula", handleFormula)
	mux.HandleFunc("GET /api/model", api.handleModel)
	mux.HandleFunc("POST /api/model/refresh", api.handleRefresh)
	mux.HandleFunc("GET /api/model/history", api.handleHistory)
	if api.Metrics != nil {
		mux.Handle("GET /metrics", api.Metrics.Handler())
	}
	if api.Hub != nil {
		mux.Handle("GET /api/ws", api.Hub)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

type warningBody struct {
	Warning string `json:"warning"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. User-correctable input
// problems are reported as warnings.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation), errors.Is(err, pathloss.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, warningBody{Warning: err.Error()})
	case errors.Is(err, ledger.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, predictor.ErrNotInitialized), errors.Is(err, dataset.ErrDataUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
	case errors.Is(err, dataset.ErrInvalidData), errors.Is(err, ml.ErrEmptyDataset),
		errors.Is(err, ml.ErrDegenerateDataset):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	default:
		a.logger().Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

// sessionLedger returns the caller's ledger. With create set, a missing or
// malformed session ID is replaced by a new one.
func (a *API) sessionLedger(w http.ResponseWriter, r *http.Request, create bool) (*ledger.Ledger, bool) {
	id := r.Header.Get(SessionHeader)
	if !session.ValidID(id) {
		if !create {
			return nil, false
		}
		id = session.NewID()
	}
	w.Header().Set(SessionHeader, id)
	if create {
		return a.Sessions.Ledger(id), true
	}
	return a.Sessions.Lookup(id)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, ready := a.Engine.Artifacts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"model_ready":      ready,
		"default_strategy": a.Engine.DefaultStrategy(),
		"sessions":         a.Sessions.Len(),
	})
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	if !isJSONRequest(r) {
		writeJSON(w, http.StatusUnsupportedMediaType, errorBody{Error: "expected application/json"})
		return
	}
	var cmd predictor.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, warningBody{Warning: "malformed request body: " + err.Error()})
		return
	}

	l, _ := a.sessionLedger(w, r, true)
	cmd.Session = w.Header().Get(SessionHeader)

	entry, err := a.Engine.Execute(l, cmd)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handlePredictions(w http.ResponseWriter, r *http.Request) {
	entries := []ledger.Entry{}
	if l, ok := a.sessionLedger(w, r, false); ok {
		entries = l.Entries()
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handlePrediction(w http.ResponseWriter, r *http.Request) {
	title := r.PathValue("title")
	l, ok := a.sessionLedger(w, r, false)
	if !ok {
		a.writeError(w, r, ledger.ErrNotFound)
		return
	}
	entry, err := l.Get(title)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleDropSession(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(SessionHeader)
	if !session.ValidID(id) || !a.Sessions.Drop(id) {
		a.writeError(w, r, ledger.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleFormula(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, pathloss.Describe())
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	artifacts, ok := a.Engine.Artifacts()
	if !ok {
		a.writeError(w, r, predictor.ErrNotInitialized)
		return
	}
	writeJSON(w, http.StatusOK, predictor.Summarize(artifacts))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, warningBody{Warning: "force must be true or false"})
			return
		}
		force = v
	}

	refreshed, err := a.Engine.Refresh(r.Context(), force)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	resp := map[string]any{"refreshed": refreshed}
	if artifacts, ok := a.Engine.Artifacts(); ok {
		resp["model"] = predictor.Summarize(artifacts)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil {
			limit = l
		}
	}

	runs, err := a.History(limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
