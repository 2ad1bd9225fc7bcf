package httpapi

import (
	"net/http"

	"github.com/p2p-escrow/trade-engine/internal/domain/dispute"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

type resolveDisputeRequest struct {
	Outcome string  `json:"outcome"`
	Note    *string `json:"note,omitempty"`
}

type resolveDisputeResponse struct {
	Trade          *trade.Trade     `json:"trade"`
	Dispute        *dispute.Dispute `json:"dispute"`
	Warning        string           `json:"warning,omitempty"`
	WarningMessage string           `json:"warningMessage,omitempty"`
}

func (s *Server) listDisputes(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimitOffset(r, 50, 200)
	list, err := s.disputeSvc.ListOpen(r.Context(), identityFromContext(r.Context()), limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "disputeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid dispute id")
		return
	}
	d, err := s.disputeSvc.Get(r.Context(), id, identityFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) getTradeDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "tradeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid trade id")
		return
	}
	d, err := s.disputeSvc.GetByTrade(r.Context(), id, identityFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "disputeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid dispute id")
		return
	}
	var req resolveDisputeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	outcome, err := dispute.ParseOutcome(req.Outcome)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	res, err := s.disputeSvc.ResolveDispute(r.Context(), id, identityFromContext(r.Context()), outcome, req.Note)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	out := resolveDisputeResponse{Trade: res.Trade, Dispute: res.Dispute}
	if res.Warning != nil {
		out.Warning = warningCode(res.Warning)
		out.WarningMessage = res.Warning.Error()
	}
	respondJSON(w, http.StatusOK, out)
}
