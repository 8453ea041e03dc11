package middleware

import (
	"context"
	"crypto/rand"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nce-iot/sim-platform/internal/errors"
	"github.com/nce-iot/sim-platform/internal/logging"
	"github.com/nce-iot/sim-platform/pkg/logger"
)

// SessionCookie is the dashboard session cookie name.
const SessionCookie = "sim_platform_session"

// sessionLifetime bounds how long a dashboard login stays valid.
const sessionLifetime = 12 * time.Hour

// SessionClaims are the JWT claims carried by a dashboard session.
type SessionClaims struct {
	Username       string `json:"username"`
	OrganizationID string `json:"organization_id,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager issues and validates signed dashboard session cookies.
type SessionManager struct {
	secret []byte
	log    *logger.Logger
}

// NewSessionManager creates a session manager. An empty secret is replaced
// with a random per-process one, which invalidates sessions on restart.
func NewSessionManager(secret string, log *logger.Logger) *SessionManager {
	if log == nil {
		log = logger.NewDefault("session")
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("session: cannot read random secret: " + err.Error())
		}
		log.Warn("no session secret configured; using a per-process random key")
	}
	return &SessionManager{secret: key, log: log}
}

// Issue creates a signed session token for a logged-in dashboard user.
func (m *SessionManager) Issue(username, organizationID string) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Username:       username,
		OrganizationID: organizationID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(sessionLifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.Internal("sign session token", err)
	}
	return signed, nil
}

// Verify parses and validates a session token.
func (m *SessionManager) Verify(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.InvalidToken(nil).WithDetails("method", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.InvalidToken(err)
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	return claims, nil
}

// SetCookie attaches the session cookie to a response.
func (m *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionLifetime.Seconds()),
	})
}

// ClearCookie removes the session cookie.
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

type sessionContextKey struct{}

// SessionFromContext returns the session claims attached by RequireSession.
func SessionFromContext(ctx context.Context) (*SessionClaims, bool) {
	claims, ok := ctx.Value(sessionContextKey{}).(*SessionClaims)
	return claims, ok
}

// RequireSession redirects browsers without a valid session to the login
// page. Valid sessions are attached to the request context.
func (m *SessionManager) RequireSession(loginPath string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookie)
			if err != nil || cookie.Value == "" {
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}
			claims, err := m.Verify(cookie.Value)
			if err != nil {
				m.log.WithContext(r.Context()).WithError(err).Debug("session rejected")
				m.ClearCookie(w)
				http.Redirect(w, r, loginPath, http.StatusSeeOther)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey{}, claims)
			ctx = logging.WithUserID(ctx, claims.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
