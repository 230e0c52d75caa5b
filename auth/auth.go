// Package auth issues and verifies bearer tokens for registered users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"duochat/models"
)

type UserStore interface {
	CreateUser(ctx context.Context, login, password string) error
	AuthenticateUser(ctx context.Context, login, password string) (string, bool, error)
	ResolveUser(ctx context.Context, login string) (string, error)
	UserExists(ctx context.Context, login string) (bool, error)
}

const maxLoginLength = 64

type Service struct {
	users  UserStore
	secret []byte
	ttl    time.Duration
	logins *LimiterPool
	now    func() time.Time
}

func NewService(users UserStore, secret string, ttl time.Duration, logins *LimiterPool) *Service {
	return &Service{
		users:  users,
		secret: []byte(secret),
		ttl:    ttl,
		logins: logins,
		now:    time.Now,
	}
}

type claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func (s *Service) Register(ctx context.Context, login, password string) error {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return fmt.Errorf("%w: username and password required", models.ErrValidation)
	}
	if len(login) > maxLoginLength || strings.ContainsAny(login, " \t\r\n") {
		return fmt.Errorf("%w: invalid username", models.ErrValidation)
	}

	exists, err := s.users.UserExists(ctx, login)
	if err != nil {
		return err
	}
	if exists {
		return models.ErrUserExists
	}
	return s.users.CreateUser(ctx, login, password)
}

// Login checks credentials and returns a signed token plus the stored
// casing of the username. clientKey identifies the caller for rate limiting.
func (s *Service) Login(ctx context.Context, clientKey, login, password string) (string, string, error) {
	if s.logins != nil && !s.logins.Allow(clientKey) {
		return "", "", models.ErrRateLimited
	}
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return "", "", fmt.Errorf("%w: username and password required", models.ErrValidation)
	}

	canonical, ok, err := s.users.AuthenticateUser(ctx, login, password)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("%w: invalid username or password", models.ErrUnauthenticated)
	}

	token, err := s.Issue(canonical)
	if err != nil {
		return "", "", err
	}
	return token, canonical, nil
}

// Issue signs a token for identity.
func (s *Service) Issue(identity string) (string, error) {
	now := s.now()
	c := claims{
		Username: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}

// Verify parses a token and returns the identity it names. The user must
// still exist.
func (s *Service) Verify(ctx context.Context, tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("%w: missing token", models.ErrUnauthenticated)
	}

	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid token", models.ErrUnauthenticated)
	}
	if c.Username == "" {
		return "", fmt.Errorf("%w: invalid token claims", models.ErrUnauthenticated)
	}

	identity, err := s.users.ResolveUser(ctx, c.Username)
	if errors.Is(err, models.ErrNotFound) {
		return "", fmt.Errorf("%w: invalid user", models.ErrUnauthenticated)
	}
	if err != nil {
		return "", err
	}
	return identity, nil
}

// ExtractToken reads a bearer token from the Authorization header, or from
// the token query parameter for websocket handshakes.
func ExtractToken(r *http.Request) string {
	bearerToken := r.Header.Get("Authorization")
	if strings.HasPrefix(bearerToken, "Bearer ") {
		return strings.TrimPrefix(bearerToken, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

func IdentityFrom(ctx context.Context) (string, bool) {
	identity, ok := ctx.Value(ctxKey{}).(string)
	return identity, ok && identity != ""
}
