package handler

import (
	"crypto/rand"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/awsl-project/agproxy/internal/jsonx"
)

const panelSessionTTL = 24 * time.Hour

// PanelAuth exchanges the panel password for a signed session token and
// guards the admin surface. The signing secret is per-process; restarts
// invalidate outstanding sessions.
type PanelAuth struct {
	password string
	secret   []byte
}

func NewPanelAuth(password string) *PanelAuth {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	return &PanelAuth{password: password, secret: secret}
}

// HandleLogin serves POST /auth/login.
func (a *PanelAuth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if err := jsonx.SafeUnmarshal(readBody(r), &body); err != nil || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "password required"})
		return
	}
	if a.password == "" || body.Password != a.password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid password"})
		return
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "panel",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(panelSessionTTL)),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "token signing failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": signed})
}

// Middleware rejects requests without a valid session token. With no
// panel password configured the admin surface is open; that matches the
// local single-user setup.
func (a *PanelAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.password == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !a.validate(sessionToken(r)) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *PanelAuth) validate(raw string) bool {
	if raw == "" {
		return false
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	})
	return err == nil && token.Valid
}

// sessionToken reads the bearer header, falling back to a query param
// for the websocket upgrade which cannot set headers from the browser.
func sessionToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if parts := strings.Fields(auth); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}

func readBody(r *http.Request) []byte {
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	return body
}
