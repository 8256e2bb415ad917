package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stoik/content-inspection/internal/application"
	"github.com/stoik/content-inspection/internal/domain"
	"github.com/stoik/content-inspection/internal/logging"
)

type principalKey struct{}

var (
	errMissingToken = errors.New("missing bearer token")
	errInvalidToken = errors.New("invalid bearer token")
	errDisabled     = errors.New("principal is disabled")
)

// tokenClaims are the identity claims carried by bearer tokens
type tokenClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 bearer tokens
type TokenVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewTokenVerifier creates a verifier. Issuer and audience are only enforced
// when non-empty. An empty secret rejects every token.
func NewTokenVerifier(secret, issuer, audience string) *TokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &TokenVerifier{secret: []byte(secret), opts: opts}
}

// Verify parses raw and returns the identity it asserts
func (v *TokenVerifier) Verify(raw string) (application.Identity, error) {
	if len(v.secret) == 0 {
		return application.Identity{}, errInvalidToken
	}

	var claims tokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return application.Identity{}, errors.Join(errInvalidToken, err)
	}
	if claims.Subject == "" {
		return application.Identity{}, errors.Join(errInvalidToken, errors.New("token has no subject"))
	}

	return application.Identity{
		ExternalID: claims.Subject,
		Email:      claims.Email,
		Name:       claims.Name,
		ImageURL:   claims.Picture,
	}, nil
}

// authenticate resolves the bearer token to a principal, upserting it on
// first sight
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="inspector"`)
			respondError(w, http.StatusUnauthorized, errMissingToken)
			return
		}

		id, err := s.tokens.Verify(raw)
		if err != nil {
			logging.Ctx(r.Context()).Debug().Err(err).Msg("bearer token rejected")
			w.Header().Set("WWW-Authenticate", `Bearer realm="inspector", error="invalid_token"`)
			respondError(w, http.StatusUnauthorized, errInvalidToken)
			return
		}

		principal, err := s.principals.SyncFromToken(r.Context(), id)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		if principal.Status == application.PrincipalDisabled {
			respondError(w, http.StatusForbidden, errDisabled)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, *principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func principalFrom(ctx context.Context) domain.Principal {
	p, _ := ctx.Value(principalKey{}).(domain.Principal)
	return p
}
