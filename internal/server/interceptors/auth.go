package interceptors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"devicegate/internal/security"
	userdomain "devicegate/internal/user/domain"
)

const bearerPrefix = "bearer "

// TokenValidator verifies IdP-issued access tokens.
type TokenValidator interface {
	Validate(token string) (*security.Claims, error)
}

// UserEnsurer maps an IdP subject to a local user, creating it on first sight.
type UserEnsurer interface {
	EnsureByExternalID(ctx context.Context, externalSubjectID string, p userdomain.Profile) (*userdomain.User, error)
}

// Authenticate returns middleware that validates the Bearer token, ensures the local user row,
// and sets the caller Identity in the request context. Missing or invalid tokens get 401;
// a failing user store gets 503.
func Authenticate(tokens TokenValidator, users UserEnsurer, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractBearer(r.Header.Get("Authorization"))
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid authorization")
				return
			}
			claims, err := tokens.Validate(token)
			if err != nil {
				logger.Debug("auth: token rejected", zap.Error(err))
				writeAuthError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid authorization")
				return
			}
			u, err := users.EnsureByExternalID(r.Context(), claims.Subject, userdomain.Profile{
				DisplayName:   claims.Name,
				Email:         claims.Email,
				EmailVerified: claims.EmailVerified,
				PictureURL:    claims.Picture,
			})
			if err != nil || u == nil {
				if err == nil {
					err = errors.New("user not returned")
				}
				logger.Error("auth: ensure user failed", zap.String("external_subject_id", claims.Subject), zap.Error(err))
				writeAuthError(w, http.StatusServiceUnavailable, "unavailable", "user store unavailable")
				return
			}
			ctx := WithIdentity(r.Context(), Identity{
				UserID:            u.ID,
				Subject:           claims.Subject,
				ExternalSessionID: claims.SessionID,
				Permissions:       claims.Permissions,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractBearer returns the token from an Authorization header value, or "" if missing or malformed.
func ExtractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}
