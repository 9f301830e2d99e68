package mock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Handler serves the inspection API:
//
//	GET  /api/state       simulated belt state
//	GET  /api/writes      recorded characteristic writes
//	POST /api/set         override heartRate, speedKmh or inclinePercent
//	POST /api/disconnect  drop the link as if the treadmill went out of range
func (m *Treadmill) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", m.handleGetState)
	mux.HandleFunc("/api/writes", m.handleGetWrites)
	mux.HandleFunc("/api/set", m.handleSetValues)
	mux.HandleFunc("/api/disconnect", m.handleDisconnect)
	return mux
}

func (m *Treadmill) handleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Snapshot())
}

func (m *Treadmill) handleGetWrites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.Writes())
}

func (m *Treadmill) handleSetValues(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	hr, err := queryFloat(q.Get("heartRate"))
	if err != nil {
		http.Error(w, fmt.Sprintf("heartRate: %v", err), http.StatusBadRequest)
		return
	}
	speed, err := queryFloat(q.Get("speedKmh"))
	if err != nil {
		http.Error(w, fmt.Sprintf("speedKmh: %v", err), http.StatusBadRequest)
		return
	}
	incline, err := queryFloat(q.Get("inclinePercent"))
	if err != nil {
		http.Error(w, fmt.Sprintf("inclinePercent: %v", err), http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	if hr != nil {
		m.heartOverride = int(*hr)
	}
	if speed != nil {
		m.targetSpeed = *speed
		m.running = *speed > 0
	}
	if incline != nil {
		m.incline = *incline
	}
	m.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

func (m *Treadmill) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !m.IsConnected() {
		http.Error(w, "not connected", http.StatusConflict)
		return
	}
	m.DropLink()
	w.WriteHeader(http.StatusOK)
}

func queryFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
