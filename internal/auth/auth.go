// Package auth guards operator endpoints. There is a single operator
// identified by a bcrypt password hash; a successful login gets a signed
// and encrypted cookie, and cron callers use the same value as a bearer
// token.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrLoginDisabled      = errors.New("operator login is not configured")
)

const (
	cookieName = "mornsched_operator"

	SessionTTL = 14 * 24 * time.Hour
)

type Store struct {
	sc           *securecookie.SecureCookie
	passwordHash string

	// Now is used for token expiry; defaults to time.Now.
	Now func() time.Time
}

type claims struct {
	Operator bool  `json:"op"`
	Expires  int64 `json:"exp"`
}

// NewStore builds a store from the cookie keys. An empty passwordHash
// disables Login but tokens issued elsewhere with the same keys still verify.
func NewStore(passwordHash string, hashKey, blockKey []byte) *Store {
	sc := securecookie.New(hashKey, blockKey)
	sc.SetSerializer(securecookie.JSONEncoder{})
	// expiry is carried in the claims so long-lived cron tokens work
	sc.MaxAge(0)
	return &Store{sc: sc, passwordHash: passwordHash}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (s *Store) Login(password string) error {
	if s.passwordHash == "" {
		return ErrLoginDisabled
	}
	if !CheckPassword(s.passwordHash, password) {
		return ErrInvalidCredentials
	}
	return nil
}

// IssueToken returns an operator credential valid for ttl.
func (s *Store) IssueToken(ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	return s.sc.Encode(cookieName, claims{Operator: true, Expires: s.now().Add(ttl).Unix()})
}

// Verify reports whether value is an unexpired operator credential.
func (s *Store) Verify(value string) bool {
	if value == "" {
		return false
	}
	var c claims
	if err := s.sc.Decode(cookieName, value, &c); err != nil {
		return false
	}
	return c.Operator && s.now().Unix() < c.Expires
}

func (s *Store) SetSession(w http.ResponseWriter, r *http.Request) error {
	encoded, err := s.IssueToken(SessionTTL)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(SessionTTL.Seconds()),
	})
	return nil
}

func (s *Store) ClearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

// Authorized accepts either "Authorization: Bearer <token>" or the session
// cookie.
func (s *Store) Authorized(r *http.Request) bool {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		return ok && strings.EqualFold(scheme, "Bearer") && s.Verify(strings.TrimSpace(tok))
	}
	c, err := r.Cookie(cookieName)
	if err != nil {
		return false
	}
	return s.Verify(c.Value)
}

func (s *Store) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Authorized(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"message":"operator authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
