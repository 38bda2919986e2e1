package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/sysgrow/sysgrow/core/bridge"
	"github.com/sysgrow/sysgrow/core/climate"
	"github.com/sysgrow/sysgrow/core/irrigation"
	"github.com/sysgrow/sysgrow/core/recommend"
	"github.com/sysgrow/sysgrow/core/sensor"
	"github.com/sysgrow/sysgrow/core/store"
)

// API is the HTTP surface of the control core: sensor ingestion, irrigation
// responses and feedback, recommendations, and the live event stream.
type API struct {
	store        store.Store
	workflow     *irrigation.Workflow
	ingestor     *sensor.Ingestor
	climateCtrls map[string]*climate.Controller
	provider     recommend.Provider
	hub          *bridge.Hub
}

func newAPI(st store.Store, wf *irrigation.Workflow, ing *sensor.Ingestor, ctrls map[string]*climate.Controller, provider recommend.Provider, hub *bridge.Hub) *API {
	return &API{
		store:        st,
		workflow:     wf,
		ingestor:     ing,
		climateCtrls: ctrls,
		provider:     provider,
		hub:          hub,
	}
}

func (a *API) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/sensors/ingest", a.handleIngest)
	mux.HandleFunc("/irrigation/respond", a.handleRespond)
	mux.HandleFunc("/irrigation/feedback", a.handleFeedback)
	mux.HandleFunc("/irrigation/requests", a.handleListRequests)
	mux.HandleFunc("/recommendations/treatments", a.handleTreatments)
	mux.HandleFunc("/climate/status", a.handleClimateStatus)
	mux.HandleFunc("/events", a.hub.Handler())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": msg})
}

func (a *API) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		UnitID   string                 `json:"unit_id"`
		SensorID string                 `json:"sensor_id"`
		Metrics  map[string]interface{} `json:"metrics"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.ingestor.Ingest(body.UnitID, body.SensorID, body.Metrics); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
}

func (a *API) handleRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		RequestID    string `json:"request_id"`
		Action       string `json:"action"`
		UserID       string `json:"user_id"`
		DelayMinutes int    `json:"delay_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := irrigation.ParseResponseAction(body.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result := a.workflow.HandleUserResponse(r.Context(), body.RequestID, action, body.UserID, body.DelayMinutes)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		RequestID string `json:"request_id"`
		Response  string `json:"response"`
		Notes     string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	response, err := store.ParseFeedbackResponse(body.Response)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result := a.workflow.RecordFeedback(r.Context(), body.RequestID, response, body.Notes)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusConflict
	}
	writeJSON(w, status, result)
}

func (a *API) handleListRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	statusParam := r.URL.Query().Get("status")
	if statusParam == "" {
		statusParam = string(store.StatusPending)
	}
	status, err := store.ParseRequestStatus(statusParam)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	reqs, err := a.store.ListRequestsByStatus(r.Context(), status, 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "requests": reqs})
}

func (a *API) handleTreatments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		Symptoms     []string `json:"symptoms"`
		UnitID       string   `json:"unit_id"`
		TempC        *float64 `json:"temp_c"`
		Humidity     *float64 `json:"humidity"`
		SoilMoisture *float64 `json:"soil_moisture"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	env := &recommend.EnvContext{
		UnitID:       body.UnitID,
		TempC:        body.TempC,
		Humidity:     body.Humidity,
		SoilMoisture: body.SoilMoisture,
	}
	recs, err := a.provider.GetTreatmentSuggestions(context.Background(), body.Symptoms, env)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "recommendations": recs})
}

func (a *API) handleClimateStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	unitID := r.URL.Query().Get("unit")
	ctrl, ok := a.climateCtrls[unitID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown unit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "control": ctrl.Metrics()})
}
