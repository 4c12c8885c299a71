package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meshpay/routeguard/internal/commitment"
	"github.com/meshpay/routeguard/internal/ledger"
	"github.com/meshpay/routeguard/internal/manifest"
	"github.com/meshpay/routeguard/internal/settlement"
	"github.com/meshpay/routeguard/internal/verifier"
)

type handlers struct {
	verifier *verifier.Verifier
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) publishManifest(w http.ResponseWriter, r *http.Request) {
	var in manifest.PublishInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "agent_uuid", in.AgentUUID)

	res, err := h.verifier.PublishManifest(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) flipMetrics(w http.ResponseWriter, r *http.Request) {
	agentUUID := chi.URLParam(r, "agentUUID")
	AddLogField(r.Context(), "agent_uuid", agentUUID)

	metrics, err := h.verifier.FlipMetrics(r.Context(), agentUUID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (h *handlers) verifyForward(w http.ResponseWriter, r *http.Request) {
	var in ledger.VerifyInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "root_tx_hash", in.RootTxHash)

	verdict, err := h.verifier.VerifyForward(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "verdict", string(verdict.Status))
	writeJSON(w, http.StatusOK, verdict)
}

func (h *handlers) recordForward(w http.ResponseWriter, r *http.Request) {
	var in ledger.RecordInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "root_tx_hash", in.RootTxHash)

	res, err := h.verifier.RecordForward(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) createCommitment(w http.ResponseWriter, r *http.Request) {
	var in commitment.CreateInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "root_tx_hash", in.RootTxHash)

	c, err := h.verifier.CreateCommitment(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *handlers) getCommitment(w http.ResponseWriter, r *http.Request) {
	c, err := h.verifier.GetCommitment(r.Context(), chi.URLParam(r, "rootTxHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handlers) reportCycle(w http.ResponseWriter, r *http.Request) {
	var in settlement.ReportCycleInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "root_tx_hash", in.RootTxHash)

	st, err := h.verifier.ReportCycle(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *handlers) reportMEV(w http.ResponseWriter, r *http.Request) {
	var in settlement.ReportMEVInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "root_tx_hash", in.RootTxHash)

	inc, err := h.verifier.ReportMEVIncident(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inc)
}

func (h *handlers) listReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := h.verifier.Receipts(r.Context(), chi.URLParam(r, "rootTxHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipts)
}

func (h *handlers) detectCycle(w http.ResponseWriter, r *http.Request) {
	report, err := h.verifier.DetectCycle(r.Context(), chi.URLParam(r, "rootTxHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) detectExtractionLoop(w http.ResponseWriter, r *http.Request) {
	report, err := h.verifier.DetectExtractionLoop(r.Context(), chi.URLParam(r, "rootTxHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) getSettlement(w http.ResponseWriter, r *http.Request) {
	st, err := h.verifier.Settlement(r.Context(), chi.URLParam(r, "rootTxHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) listIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := h.verifier.Incidents(r.Context(), chi.URLParam(r, "rootTxHash"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}
