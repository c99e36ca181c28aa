package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/domain/errs"
)

// ClaimHandler exposes the claim workflow.
type ClaimHandler struct {
	svc    *claim.Service
	logger *zap.Logger
}

func NewClaimHandler(svc *claim.Service, logger *zap.Logger) *ClaimHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaimHandler{svc: svc, logger: logger}
}

func (h *ClaimHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.History)
	r.Post("/{id}/request-vetting", h.RequestVetting)
	r.Post("/{id}/vet", h.Vet)
	r.Post("/{id}/submit", h.Submit)
	r.Post("/{id}/approve", h.Approve)
	r.Post("/{id}/reject", h.Reject)
	r.Post("/{id}/pay", h.Pay)
	r.Post("/{id}/resubmit", h.Resubmit)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/audit", h.Audit)
	r.Post("/{id}/repair", h.Repair)
	return r
}

type ActorRequest struct {
	Actor string `json:"actor,omitempty"`
}

type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Date   time.Time       `json:"date,omitempty"`
	Actor  string          `json:"actor,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
	Note   string `json:"note,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

type RepairResponse struct {
	ClaimID string       `json:"claim_id"`
	Before  claim.Totals `json:"before"`
	After   claim.Totals `json:"after"`
}

func (h *ClaimHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *ClaimHandler) History(w http.ResponseWriter, r *http.Request) {
	history, err := h.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if history == nil {
		history = []claim.StatusChange{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *ClaimHandler) RequestVetting(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	h.respond(w, r, &req, func() (*claim.Claim, error) {
		return h.svc.RequestVetting(r.Context(), chi.URLParam(r, "id"), actorOf(r, req.Actor))
	})
}

func (h *ClaimHandler) Vet(w http.ResponseWriter, r *http.Request) {
	var req claim.VetDecision
	h.respond(w, r, &req, func() (*claim.Claim, error) {
		req.Actor = actorOf(r, req.Actor)
		return h.svc.Vet(r.Context(), chi.URLParam(r, "id"), req)
	})
}

func (h *ClaimHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	h.respond(w, r, &req, func() (*claim.Claim, error) {
		return h.svc.Submit(r.Context(), chi.URLParam(r, "id"), actorOf(r, req.Actor))
	})
}

func (h *ClaimHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	h.respond(w, r, &req, func() (*claim.Claim, error) {
		return h.svc.MarkApproved(r.Context(), chi.URLParam(r, "id"), req.Amount, actorOf(r, req.Actor))
	})
}

func (h *ClaimHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.respond(w, r, &req, func() (*claim.Claim, error) {
		return h.svc.MarkRejected(r.Context(), chi.URLParam(r, "id"), req.Reason, actorOf(r, req.Actor))
	})
}

func (h *ClaimHandler) Pay(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	h.respond(w, r, &req, func() (*claim.Claim, error) {
		if req.Date.IsZero() {
			req.Date = time.Now().UTC()
		}
		return h.svc.MarkPaid(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Date, actorOf(r, req.Actor))
	})
}

func (h *ClaimHandler) Resubmit(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.respond(w, r, &req, func() (*claim.Claim, error) {
		return h.svc.Resubmit(r.Context(), chi.URLParam(r, "id"), actorOf(r, req.Actor), req.Note)
	})
}

func (h *ClaimHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	h.respond(w, r, &req, func() (*claim.Claim, error) {
		return h.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason, actorOf(r, req.Actor))
	})
}

// Audit holds a drifted claim for review; a clean claim is left untouched.
func (h *ClaimHandler) Audit(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Audit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ClaimHandler) Repair(w http.ResponseWriter, r *http.Request) {
	var req ActorRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	actor := actorOf(r, req.Actor)
	if actor == "" {
		writeError(w, r, h.logger, errs.Validation("actor", "repair requires an actor"))
		return
	}
	id := chi.URLParam(r, "id")
	before, after, err := h.svc.Repair(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, RepairResponse{ClaimID: id, Before: before, After: after})
}

func (h *ClaimHandler) respond(w http.ResponseWriter, r *http.Request, req any, fn func() (*claim.Claim, error)) {
	if err := decode(r, req); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	c, err := fn()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}
