package middleware

import (
	"net/http"

	"github.com/platinummonkey/agentgate/pkg/auth"
	"github.com/platinummonkey/agentgate/pkg/contextkeys"
	"github.com/platinummonkey/agentgate/pkg/httputil"
)

// DeveloperSession authenticates a developer session token and stores the principal in the
// request context. Agent API keys are not accepted here.
func DeveloperSession(verifier *auth.SessionVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := httputil.BearerToken(r)
			if !ok {
				writeError(w, auth.ErrUnauthorized)
				return
			}
			principal, err := verifier.Verify(token)
			if err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(contextkeys.WithDeveloper(r.Context(), principal)))
		})
	}
}

// GetDeveloper returns the authenticated developer principal, or nil
func GetDeveloper(r *http.Request) *auth.DeveloperPrincipal {
	p, _ := r.Context().Value(contextkeys.DeveloperKey).(*auth.DeveloperPrincipal)
	return p
}

func writeError(w http.ResponseWriter, err error) {
	e := auth.AsError(err)
	httputil.WriteCodedError(w, e.HTTPStatus(), string(e.Code), e.Message)
}
