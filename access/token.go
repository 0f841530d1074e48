package access

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TokenController manages access control for clients providing access_token
// query parameters.
type TokenController struct {
	token    Verifier
	machine  string
	required bool
}

const (
	monitorIssuer = "monitoring"
	tokenSubject  = "livespeed"
)

var (
	tokenAccessRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livespeed_access_tokencontroller_requests_total",
			Help: "Total number of requests handled by the access tokencontroller.",
		},
		[]string{"request"},
	)
)

// Verifier is used by the TokenController to verify JWT claims in access tokens.
type Verifier interface {
	Verify(token string, exp jwt.Expected) (*jwt.Claims, error)
}

// NewTokenController creates a new token controller for the named machine.
// When required is false, requests without a token are accepted.
func NewTokenController(machine string, required bool, verifier Verifier) *TokenController {
	return &TokenController{
		token:    verifier,
		machine:  machine,
		required: required,
	}
}

// Limit implements the Controller interface by checking clients provided access_tokens.
func (t *TokenController) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verified, ctx := t.isVerified(r)
		if !verified {
			w.WriteHeader(http.StatusUnauthorized)
			// Return without additional response.
			return
		}
		// Clone the request with the context provided by isVerified.
		next.ServeHTTP(w, r.Clone(ctx))
	})
}

// isVerified validates the access_token and, if the access token issuer is
// monitoring, adds a context value derived from the given request context.
func (t *TokenController) isVerified(r *http.Request) (bool, context.Context) {
	ctx := r.Context()
	token := r.URL.Query().Get("access_token")
	if token == "" && !t.required {
		tokenAccessRequests.WithLabelValues("accepted").Inc()
		return true, ctx
	}
	// Attempt to verify the token.
	cl, err := t.token.Verify(token, jwt.Expected{
		// Do not specify the Issuer here so we can check for monitoring or the
		// locate service below.
		Subject:  tokenSubject,
		Audience: jwt.Audience{t.machine}, // current server.
		Time:     time.Now(),
	})
	if err != nil {
		// The access token was invalid; reject this request.
		tokenAccessRequests.WithLabelValues("rejected").Inc()
		return false, ctx
	}
	// If the claim was for monitoring, set the context value so subsequent access
	// controllers can check the advisory information to exempt the request.
	tokenAccessRequests.WithLabelValues("accepted").Inc()
	return true, SetMonitoring(ctx, cl.Issuer == monitorIssuer)
}
