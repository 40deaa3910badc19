package facilitator

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ZecPay/facilitator/pkg/responders"
	"github.com/ZecPay/facilitator/pkg/x402"
)

type contextKey string

const contextKeyAuthorization contextKey = "facilitator.authorization"

// HeaderPayment carries the client authorization; HeaderPaymentID names the
// intent it answers, issued in the challenge body as paymentId.
const (
	HeaderPayment         = "X-Payment"
	HeaderPaymentID       = "X-Payment-Id"
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderPaymentResponse = "X-Payment-Response"
)

// ErrResourceNotFound signals the resolver does not know the requested
// resource.
var ErrResourceNotFound = errors.New("facilitator: resource not found")

// ResourceResolver prices a request. It returns the challenge to issue when
// the request carries no accepted authorization.
type ResourceResolver func(*http.Request) (ChallengeRequest, error)

// Middleware gates a resource behind payment. A request without an accepted
// authorization receives a fresh 402 challenge; a request presenting a valid
// X-Payment plus the challenge's X-Payment-Id passes through with the
// settlement response header set.
func (s *Service) Middleware(resolver ResourceResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			paymentHeader := strings.TrimSpace(r.Header.Get(HeaderPayment))
			intentID := strings.TrimSpace(r.Header.Get(HeaderPaymentID))

			if paymentHeader != "" && intentID != "" {
				result, err := s.Authorize(r.Context(), intentID, paymentHeader)
				if err == nil {
					header, hErr := result.ResponseHeader()
					if hErr == nil {
						w.Header().Set(HeaderPaymentResponse, header)
					}
					ctx := context.WithValue(r.Context(), contextKeyAuthorization, result)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}

				var ve *x402.VerificationError
				if !errors.As(err, &ve) {
					log.Error().Err(err).Str("intent_id", intentID).Msg("facilitator.authorize_failed")
					responders.JSON(w, http.StatusInternalServerError, map[string]any{
						"error": "authorization could not be processed",
					})
					return
				}
				// Fall through to a fresh challenge carrying the rejection.
				s.respondPaymentRequired(w, r, resolver, ve)
				return
			}

			s.respondPaymentRequired(w, r, resolver, nil)
		})
	}
}

func (s *Service) respondPaymentRequired(w http.ResponseWriter, r *http.Request, resolver ResourceResolver, ve *x402.VerificationError) {
	req, err := resolver(r)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			responders.JSON(w, http.StatusNotFound, map[string]any{"error": "resource not found"})
			return
		}
		responders.JSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	issued, err := s.IssueChallenge(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("resource", req.Resource).Msg("facilitator.challenge_failed")
		responders.JSON(w, http.StatusInternalServerError, map[string]any{
			"error": "challenge could not be issued",
		})
		return
	}

	w.Header().Set("WWW-Authenticate", issued.WWWAuthenticateHeader(req.Merchant.Name))
	if header, err := issued.PaymentRequiredHeader(); err == nil {
		w.Header().Set(HeaderPaymentRequired, header)
	}

	body := map[string]any{
		"paymentId": issued.Body.PaymentID,
		"amount":    issued.Body.Amount,
		"currency":  issued.Body.Currency,
		"payTo":     issued.Body.PayTo,
		"resource":  issued.Body.Resource,
		"expiresAt": issued.Body.ExpiresAt,
		"nonce":     issued.Body.Nonce,
		"signature": issued.Body.Signature,
		"scheme":    issued.Body.Scheme,
		"network":   issued.Body.Network,
		"version":   issued.Body.Version,
	}
	if ve != nil {
		body["error"] = x402.UserMessage(ve.Code)
		body["errorCode"] = ve.InvalidReason()
	}
	responders.JSON(w, http.StatusPaymentRequired, body)
}

// AuthorizationFromContext retrieves the accepted authorization downstream
// of the middleware.
func AuthorizationFromContext(ctx context.Context) (*AuthorizeResult, bool) {
	result, ok := ctx.Value(contextKeyAuthorization).(*AuthorizeResult)
	return result, ok
}
