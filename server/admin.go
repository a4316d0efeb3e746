package server

import (
	"encoding/json"
	"net/http"

	"github.com/vmihailenco/msgpack/v5"

	"lagswitch/logging"
)

// HandleAdminConfig 提供运行参数的读取与热更新
// GET /admin/config   返回当前配置
// POST /admin/config  以 JSON 载荷更新部分字段
func (h *Hub) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		SimulateDropProb *float64 `json:"simulateDropProb,omitempty"`
		LowRateFraction  *float64 `json:"lowRateFraction,omitempty"`
		FlagFraction     *float64 `json:"flagFraction,omitempty"`
		MinSamples       *int     `json:"minSamples,omitempty"`
	}

	switch r.Method {
	case http.MethodGet:
		det := h.sampler.Detector()
		drop := h.SimulateDropProb()
		cur := cfg{
			SimulateDropProb: &drop,
			LowRateFraction:  &det.LowRateFraction,
			FlagFraction:     &det.FlagFraction,
			MinSamples:       &det.MinSamples,
		}
		writeJSON(w, cur)
		return
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if p := body.SimulateDropProb; p != nil && (*p < 0 || *p > 1) {
			http.Error(w, "simulateDropProb must be in [0,1]", http.StatusBadRequest)
			return
		}
		if body.SimulateDropProb != nil {
			h.SetSimulateDropProb(*body.SimulateDropProb)
		}
		det := h.sampler.Detector()
		if body.LowRateFraction != nil {
			det.LowRateFraction = *body.LowRateFraction
		}
		if body.FlagFraction != nil {
			det.FlagFraction = *body.FlagFraction
		}
		if body.MinSamples != nil {
			det.MinSamples = *body.MinSamples
		}
		h.sampler.SetDetector(det)
		writeJSON(w, map[string]any{"ok": true})
		logging.Log.Infof("config updated: drop=%.2f lowRate=%.2f flag=%.2f minSamples=%d",
			h.SimulateDropProb(), det.LowRateFraction, det.FlagFraction, det.MinSamples)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
}

// HandleMetrics 输出运行指标
// GET /metrics
func (h *Hub) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"players":  h.registry.Len(),
		"sessions": h.sessions.Len(),
		"rollover": h.sampler.Rollover(),
		"metrics":  h.metrics.Snapshot(),
	}
	writeJSON(w, payload)
}

// HandleAnomalies 输出最近的异常报告
// GET /admin/anomalies[?format=msgpack]
func (h *Hub) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	reports := h.sampler.Reports()
	if r.URL.Query().Get("format") == "msgpack" {
		b, err := msgpack.Marshal(reports)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/msgpack")
		_, _ = w.Write(b)
		return
	}
	writeJSON(w, map[string]any{"reports": reports})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
