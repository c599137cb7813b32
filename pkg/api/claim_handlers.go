package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/httputil"
	"github.com/platinummonkey/agentgate/pkg/identity"
	"github.com/platinummonkey/agentgate/pkg/middleware"
	"github.com/platinummonkey/agentgate/pkg/observability"
)

// claimHandlers serves the developer-facing claim redemption endpoint
type claimHandlers struct {
	claims   *identity.ClaimService
	sessions *auth.SessionVerifier
	audit    *auth.AuditLogger
	logger   *observability.Logger
}

// RegisterRoutes registers claim routes
func (h *claimHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/claims",
		middleware.DeveloperSession(h.sessions)(http.HandlerFunc(h.redeem))).Methods("POST")
}

// RedeemRequest is the body of POST /api/v1/claims
type RedeemRequest struct {
	ClaimToken string `json:"claimToken"`
}

// redeem handles POST /api/v1/claims
func (h *claimHandlers) redeem(w http.ResponseWriter, r *http.Request) {
	dev := middleware.GetDeveloper(r)
	var req RedeemRequest
	if !parseBody(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.ClaimToken)
	if token == "" {
		writeError(w, r, h.logger, auth.InvalidRequest("claimToken is required"))
		return
	}

	ev := &auth.AuditEvent{
		Action:      auth.ActionClaimTokenRedeem,
		Status:      auth.StatusSuccess,
		DeveloperID: dev.DeveloperID,
		UserID:      dev.UserID,
		Prefix:      auth.LookupPrefix(token, auth.ClaimTokenPrefixLength),
	}

	result, err := h.claims.Redeem(r.Context(), token, dev.DeveloperID, dev.UserID)
	if err != nil {
		ev.Status = auth.StatusFailure
		_ = h.audit.LogFromRequest(r, ev, err)
		writeError(w, r, h.logger, err)
		return
	}
	ev.AgentID = result.AgentID
	_ = h.audit.LogFromRequest(r, ev, nil)

	httputil.WriteSuccess(w, result)
}
