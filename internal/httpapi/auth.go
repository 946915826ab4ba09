package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/thebluefowl/reelvault/internal/identity"
)

// Claims is the bearer token payload: the subject is the user id.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for userID. The identity service normally
// does this; the CLI uses it for local development.
func IssueToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken parses and validates a bearer token into a principal.
func ValidateToken(tokenString, secret string) (identity.Principal, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return identity.Principal{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return identity.Principal{}, errors.New("invalid token")
	}
	role := claims.Role
	if role == "" {
		role = identity.RoleUser
	}
	return identity.Principal{UserID: claims.Subject, Role: role}, nil
}

// authMiddleware verifies the bearer JWT and stores the principal in the
// request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondMessage(w, http.StatusUnauthorized, "authorization header required")
			return
		}
		scheme, tokenString, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || tokenString == "" {
			respondMessage(w, http.StatusUnauthorized, "invalid authorization header format")
			return
		}

		p, err := ValidateToken(tokenString, s.secret)
		if err != nil {
			s.log.WithError(err).Debug("rejected bearer token")
			respondMessage(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithPrincipal(r.Context(), p)))
	})
}
