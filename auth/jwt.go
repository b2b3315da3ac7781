package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/alimx07/blog_service/models"
	"github.com/golang-jwt/jwt/v5"
)

type ctxKey struct{}

// Verifier checks EdDSA access tokens issued by the users service.
type Verifier struct {
	key    ed25519.PublicKey
	parser *jwt.Parser
}

// NewVerifier takes the base64 encoded ed25519 public key.
func NewVerifier(publicKeyB64, issuer, audience string) (*Verifier, error) {
	raw, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode jwt public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("jwt public key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Verifier{key: ed25519.PublicKey(raw), parser: jwt.NewParser(opts...)}, nil
}

// ValidateToken returns the numeric user id carried in the subject claim.
func (v *Verifier) ValidateToken(token string) (int64, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, fmt.Errorf("token expired: %w", models.ErrUnauthorized)
		}
		return 0, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return 0, fmt.Errorf("token is not valid: %w", models.ErrUnauthorized)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("subject %q is not a user id: %w", claims.Subject, models.ErrUnauthorized)
	}
	return id, nil
}

// CurrentUserID authenticates the request from its bearer token.
func (v *Verifier) CurrentUserID(r *http.Request) (int64, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return 0, fmt.Errorf("authorization header required: %w", models.ErrUnauthorized)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return 0, fmt.Errorf("authorization header is not a bearer token: %w", models.ErrUnauthorized)
	}
	return v.ValidateToken(strings.TrimSpace(token))
}

// Middleware rejects unauthenticated requests and stores the user id in the context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := v.CurrentUserID(r)
		if err != nil {
			http.Error(w, `{"error":"Invalid/Expired Authorization Token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ctxKey{}).(int64)
	return id, ok
}
