package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/companions/internal/domain"
)

type messageRequest struct {
	Text string `json:"text"`
}

type transferRequest struct {
	Amount string `json:"amount"`
	Note   string `json:"note"`
}

type redPacketRequest struct {
	Amount string               `json:"amount"`
	Count  int                  `json:"count"`
	Mode   domain.RedPacketMode `json:"mode"`
	Note   string               `json:"note"`
}

// SendToAgent stores a user message to an agent.
func (h *Handler) SendToAgent(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := h.engine.SendToAgent(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, msg)
}

// SendToGroup stores a user message to a group.
func (h *Handler) SendToGroup(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := h.engine.SendToGroup(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, msg)
}

// agentAction adapts an engine call that returns the updated agent.
func (h *Handler) agentAction(fn func(ctx context.Context, id string) (*domain.Agent, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		JSON(w, http.StatusOK, a)
	}
}

// Wipe deep-wipes an agent.
func (h *Handler) Wipe(w http.ResponseWriter, r *http.Request) {
	h.agentAction(h.engine.Wipe)(w, r)
}

// Unblock lifts an agent's block.
func (h *Handler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.agentAction(h.engine.Unblock)(w, r)
}

// Pause deactivates an agent.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	h.agentAction(h.engine.Pause)(w, r)
}

// Resume reactivates an agent.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.agentAction(h.engine.Resume)(w, r)
}

// DeleteAgent removes an agent.
func (h *Handler) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearGroup wipes a group's history.
func (h *Handler) ClearGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.ClearGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteGroup removes a group.
func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Introduce makes two agents acquainted.
func (h *Handler) Introduce(w http.ResponseWriter, r *http.Request) {
	rels, err := h.engine.Introduce(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "target"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"relationships": rels})
}

// SendTransfer pays an agent from the user's wallet.
func (h *Handler) SendTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := domain.ParseCents(req.Amount)
	if err != nil || amount <= 0 {
		Error(w, http.StatusBadRequest, "invalid amount")
		return
	}
	t, err := h.engine.SendTransfer(r.Context(), chi.URLParam(r, "id"), amount, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, t)
}

// ClaimTransfer accepts a transfer addressed to the user.
func (h *Handler) ClaimTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.ClaimTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

// RefundTransfer returns a transfer to its sender.
func (h *Handler) RefundTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.RefundTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, t)
}

// SendRedPacket posts a red packet into a group.
func (h *Handler) SendRedPacket(w http.ResponseWriter, r *http.Request) {
	var req redPacketRequest
	if !decode(w, r, &req) {
		return
	}
	total, err := domain.ParseCents(req.Amount)
	if err != nil || total <= 0 || req.Count <= 0 {
		Error(w, http.StatusBadRequest, "invalid amount or count")
		return
	}
	p, err := h.engine.SendRedPacket(r.Context(), chi.URLParam(r, "id"), total, req.Count, req.Mode, req.Note)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, p)
}

// ClaimRedPacket takes the user's share of a red packet.
func (h *Handler) ClaimRedPacket(w http.ResponseWriter, r *http.Request) {
	claim, err := h.engine.ClaimRedPacket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, claim)
}

// Wallet returns an account balance.
func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	balance, err := h.engine.Balance(r.Context(), account)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"account": account,
		"balance": balance,
		"display": domain.FormatCents(balance),
	})
}
