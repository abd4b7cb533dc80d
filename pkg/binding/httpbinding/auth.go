package httpbinding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/twinfer/wotkit/pkg/wot"
)

// AuthConfig enables authentication on interaction routes. A bearer secret
// takes precedence over basic users. With neither set the server is open.
type AuthConfig struct {
	// BasicUsers maps user names to bcrypt password hashes.
	BasicUsers map[string]string `yaml:"basic_users" json:"basic_users"`
	// BearerSecret is the HMAC key HS256 tokens are verified with.
	BearerSecret string `yaml:"bearer_secret" json:"bearer_secret"`
}

const (
	basicSchemeName  = "basic_sc"
	bearerSchemeName = "bearer_sc"
)

var errUnauthorized = errors.New("unauthorized")

type principalKey struct{}

// principalFrom returns the authenticated user of a request context.
func principalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

type authenticator struct {
	cfg AuthConfig
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	return &authenticator{cfg: cfg}
}

func (a *authenticator) enabled() bool {
	return a.cfg.BearerSecret != "" || len(a.cfg.BasicUsers) > 0
}

// securityScheme is the scheme advertised in exposed Thing descriptions.
func (a *authenticator) securityScheme() (string, wot.SecurityScheme) {
	switch {
	case a.cfg.BearerSecret != "":
		return bearerSchemeName, &wot.BearerSecurityScheme{In: "header", Alg: "HS256", Format: "jwt"}
	case len(a.cfg.BasicUsers) > 0:
		return basicSchemeName, &wot.BasicSecurityScheme{In: "header"}
	default:
		return "", nil
	}
}

func (a *authenticator) challenge() string {
	if a.cfg.BearerSecret != "" {
		return `Bearer realm="wot"`
	}
	return `Basic realm="wot"`
}

// authenticate returns the principal of r.
func (a *authenticator) authenticate(r *http.Request) (string, error) {
	if a.cfg.BearerSecret != "" {
		raw, ok := strings.CutPrefix(r.Header.Get(headerAuthorization), "Bearer ")
		if !ok {
			return "", errUnauthorized
		}
		return a.validateToken(raw)
	}

	user, password, ok := r.BasicAuth()
	if !ok {
		return "", errUnauthorized
	}
	hash, ok := a.cfg.BasicUsers[user]
	if !ok {
		return "", errUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", errUnauthorized
	}
	return user, nil
}

func (a *authenticator) validateToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		return []byte(a.cfg.BearerSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnauthorized, err)
	}
	return subject, nil
}

// authMiddleware rejects unauthenticated requests with 401 and stores the
// principal in the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		principal, err := s.auth.authenticate(r)
		if err != nil {
			s.logger.WithError(err).Debugf("Rejected %s %s", r.Method, r.URL.Path)
			w.Header().Set(headerWWWAuthenticate, s.auth.challenge())
			http.Error(w, errUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
