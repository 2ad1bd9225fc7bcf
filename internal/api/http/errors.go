package httpapi

import (
	"errors"
	"net/http"

	"github.com/p2p-escrow/trade-engine/internal/domain/dispute"
	"github.com/p2p-escrow/trade-engine/internal/domain/notification"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

// statusClientClosedRequest is the de facto status for a request the
// client abandoned.
const statusClientClosedRequest = 499

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{trade.ErrTimeout, http.StatusGatewayTimeout, "TIMEOUT"},
	{trade.ErrCancelled, statusClientClosedRequest, "CANCELLED"},
	{trade.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{dispute.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{notification.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{trade.ErrUnauthorizedActor, http.StatusForbidden, "UNAUTHORIZED_ACTOR"},
	{trade.ErrInvalidTransition, http.StatusConflict, "INVALID_TRANSITION"},
	{trade.ErrConcurrentModification, http.StatusConflict, "CONCURRENT_MODIFICATION"},
	{trade.ErrMissingEvidence, http.StatusUnprocessableEntity, "MISSING_EVIDENCE"},
	{trade.ErrInvalidTerms, http.StatusBadRequest, "INVALID_TERMS"},
	{trade.ErrInvalidMessage, http.StatusBadRequest, "INVALID_MESSAGE"},
	{dispute.ErrDisputeAlreadyOpen, http.StatusConflict, "DISPUTE_ALREADY_OPEN"},
	{dispute.ErrDisputeNotOpen, http.StatusConflict, "DISPUTE_NOT_OPEN"},
	{dispute.ErrOutcomeConflict, http.StatusConflict, "OUTCOME_CONFLICT"},
	{dispute.ErrInvalidOutcome, http.StatusBadRequest, "INVALID_OUTCOME"},
}

// respondServiceError maps a service error onto the JSON error envelope.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			respondError(w, e.status, e.code, err.Error())
			return
		}
	}
	s.logger.Error().Err(err).Msg("unhandled service error")
	respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}

// warningCode names a committed-with-warning outcome for clients.
func warningCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, trade.ErrDeliveryDegraded):
		return "DELIVERY_DEGRADED"
	default:
		return "DISPUTE_RECORD_PENDING"
	}
}
