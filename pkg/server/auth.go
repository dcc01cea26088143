package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/raterudder/pvcast/pkg/log"
)

type contextKey string

const emailContextKey contextKey = "email"

// authMiddleware lets reads through and requires mutating requests to carry
// a bearer ID token whose email is allowed to update. Without a configured
// audience every request is allowed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))

		if r.Method == http.MethodGet || r.Method == http.MethodHead || s.bypassAuth {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			log.Ctx(ctx).WarnContext(ctx, "missing authentication for update")
			writeJSONError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			log.Ctx(ctx).WarnContext(ctx, "invalid auth header")
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}
		email, err := s.authenticateToken(ctx, strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "token validation failed", slog.Any("error", err))
			writeJSONError(w, "invalid id token", http.StatusUnauthorized)
			return
		}
		if !s.updateAllowed(email) {
			log.Ctx(ctx).WarnContext(ctx, "unauthorized email for update", slog.String("email", email))
			writeJSONError(w, "unauthorized email", http.StatusForbidden)
			return
		}

		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("authEmail", email)))
		log.Ctx(ctx).DebugContext(ctx, "authenticated request")
		ctx = context.WithValue(ctx, emailContextKey, email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) updateAllowed(email string) bool {
	if email == "" {
		return false
	}
	for _, allowed := range s.updateEmails {
		if subtle.ConstantTimeCompare([]byte(email), []byte(allowed)) == 1 {
			return true
		}
	}
	return false
}

// verifiedEmail adapts an OIDC verifier to return the token's verified
// email.
func verifiedEmail(v *oidc.IDTokenVerifier) tokenVerifier {
	return func(ctx context.Context, rawIDToken string) (string, error) {
		idToken, err := v.Verify(ctx, rawIDToken)
		if err != nil {
			return "", err
		}
		var claims struct {
			Email         string `json:"email"`
			EmailVerified bool   `json:"email_verified"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return "", err
		}
		if !claims.EmailVerified {
			return "", errors.New("email not verified")
		}
		return claims.Email, nil
	}
}

func (s *Server) authenticateToken(ctx context.Context, token string) (string, error) {
	var errs []error

	for providerName, verifier := range s.oidcVerifiers {
		email, err := verifier(ctx, token)
		if err == nil {
			return email, nil
		}
		errs = append(errs, fmt.Errorf("%s verifier failed: %v", providerName, err))
	}

	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", errors.New("no valid audiences configured or token invalid")
}
