package httpapi

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/p2p-escrow/trade-engine/internal/application/lifecycle"
	"github.com/p2p-escrow/trade-engine/internal/domain/event"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

type createTradeRequest struct {
	ListingID   string          `json:"listingId"`
	BuyerID     string          `json:"buyerId"`
	SellerID    string          `json:"sellerId"`
	AmountAsset decimal.Decimal `json:"amountAsset"`
	AmountLocal decimal.Decimal `json:"amountLocal"`
}

type transitionRequest struct {
	Action  string                `json:"action"`
	Payment *trade.PaymentDetails `json:"payment,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

type receiptRequest struct {
	ReceiptRef string `json:"receiptRef"`
}

type messageRequest struct {
	Body          string  `json:"body"`
	AttachmentRef *string `json:"attachmentRef,omitempty"`
}

type tradeResponse struct {
	Trade          *trade.Trade `json:"trade"`
	Event          *event.Event `json:"event,omitempty"`
	Warning        string       `json:"warning,omitempty"`
	WarningMessage string       `json:"warningMessage,omitempty"`
}

func newTradeResponse(res *lifecycle.Result) tradeResponse {
	out := tradeResponse{Trade: res.Trade, Event: res.Event}
	if res.Warning != nil {
		out.Warning = warningCode(res.Warning)
		out.WarningMessage = res.Warning.Error()
	}
	return out
}

func (s *Server) createTrade(w http.ResponseWriter, r *http.Request) {
	var req createTradeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	res, err := s.tradeSvc.CreateTrade(r.Context(), identityFromContext(r.Context()), trade.Terms{
		ListingID:   req.ListingID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		AmountAsset: req.AmountAsset,
		AmountLocal: req.AmountLocal,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, newTradeResponse(res))
}

func (s *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	var status *trade.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := trade.ParseStatus(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
		status = &st
	}
	limit, offset := parseLimitOffset(r, 50, 200)
	list, err := s.tradeSvc.ListTrades(r.Context(), identityFromContext(r.Context()), status, limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list)
}

func (s *Server) getTrade(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "tradeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid trade id")
		return
	}
	t, err := s.tradeSvc.GetTrade(r.Context(), id, identityFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) tradeHistory(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "tradeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid trade id")
		return
	}
	entries, err := s.tradeSvc.History(r.Context(), id, identityFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) allowedActions(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "tradeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid trade id")
		return
	}
	actions, err := s.tradeSvc.AllowedActions(r.Context(), id, identityFromContext(r.Context()))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"actions": actions})
}

func (s *Server) requestTransition(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "tradeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid trade id")
		return
	}
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	action, err := trade.ParseAction(req.Action)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	var evidence *trade.Evidence
	if req.Payment != nil || req.Reason != "" {
		evidence = &trade.Evidence{Payment: req.Payment, Reason: req.Reason}
	}
	res, err := s.tradeSvc.RequestTransition(r.Context(), id, identityFromContext(r.Context()), action, evidence)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newTradeResponse(res))
}

func (s *Server) attachReceipt(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "tradeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid trade id")
		return
	}
	var req receiptRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	res, err := s.tradeSvc.AttachReceipt(r.Context(), id, identityFromContext(r.Context()), req.ReceiptRef)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newTradeResponse(res))
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "tradeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid trade id")
		return
	}
	var req messageRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	m, err := s.tradeSvc.PostMessage(r.Context(), id, identityFromContext(r.Context()), req.Body, req.AttachmentRef)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, m)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "tradeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ID", "invalid trade id")
		return
	}
	limit, offset := parseLimitOffset(r, 100, 500)
	msgs, err := s.tradeSvc.Messages(r.Context(), id, identityFromContext(r.Context()), limit, offset)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}
