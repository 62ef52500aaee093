package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DacKha/Bus-Tracking-System-sub001/internal/registry"
)

// Identity is what the identity collaborator vouches for: who the
// participant is, which role they hold, and the publish capabilities that
// role compiles to.
type Identity struct {
	Participant string
	Role        string
	Perms       registry.Permission
}

// TokenValidator validates an opaque bearer credential. The bus never
// issues tokens; it only verifies what the external identity service
// signed.
type TokenValidator interface {
	Validate(token string) (Identity, error)
}

// AppClaims is the claim shape the identity service signs.
type AppClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTValidator verifies HMAC-signed tokens against a shared secret.
type JWTValidator struct {
	secret []byte
}

func NewJWTValidator(secret string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret)}
}

func (v *JWTValidator) Validate(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, err
	}
	claims, ok := token.Claims.(*AppClaims)
	if !ok || !token.Valid {
		return Identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, errors.New("token missing sub claim")
	}
	perms, err := registry.RolePermissions(claims.Role)
	if err != nil {
		return Identity{}, err
	}
	return Identity{Participant: claims.Subject, Role: claims.Role, Perms: perms}, nil
}

// NewAuthMiddleware rejects unauthenticated upgrade requests. The
// credential comes from the Authorization header (Bearer), or a
// session-token cookie for browser clients that cannot set headers on a
// websocket dial.
func NewAuthMiddleware(logger *slog.Logger, validator TokenValidator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				logger.Warn("upgrade request without credential", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			identity, err := validator.Validate(tokenString)
			if err != nil {
				logger.Warn("credential rejected",
					slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			reqMeta.Participant = identity.Participant
			reqMeta.Role = identity.Role
			reqMeta.Perms = identity.Perms
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if cookie, err := r.Cookie("session-token"); err == nil {
		return cookie.Value
	}
	return ""
}
