package auth

import (
	"net/http"
	"strings"
	"time"
)

const refreshCookieMaxAge = 30 * 24 * time.Hour

// Cookies names the session cookies and how they are written.
type Cookies struct {
	Access  string
	Refresh string
	// Legacy is only ever cleared.
	Legacy string
	Secure bool
}

// Credentials extracts credentials from the access cookie, falling back to an
// Authorization bearer header, plus the refresh cookie.
func (c Cookies) Credentials(r *http.Request) Credentials {
	var creds Credentials

	if cookie, err := r.Cookie(c.Access); err == nil {
		creds.AccessToken = strings.TrimSpace(cookie.Value)
	}
	if creds.AccessToken == "" {
		header := r.Header.Get("Authorization")
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			creds.AccessToken = strings.TrimSpace(header[7:])
		}
	}
	if cookie, err := r.Cookie(c.Refresh); err == nil {
		creds.RefreshToken = strings.TrimSpace(cookie.Value)
	}

	return creds
}

// Set writes a token pair as session cookies.
func (c Cookies) Set(w http.ResponseWriter, pair TokenPair, now time.Time) {
	accessAge := int(pair.ExpiresAt.Sub(now).Seconds())
	if accessAge <= 0 {
		accessAge = int(time.Hour.Seconds())
	}

	http.SetCookie(w, c.cookie(c.Access, pair.AccessToken, accessAge))
	if pair.RefreshToken != "" {
		http.SetCookie(w, c.cookie(c.Refresh, pair.RefreshToken, int(refreshCookieMaxAge.Seconds())))
	}
}

// Clear expires every session cookie.
func (c Cookies) Clear(w http.ResponseWriter) {
	for _, name := range []string{c.Access, c.Refresh, c.Legacy} {
		if name == "" {
			continue
		}
		cookie := c.cookie(name, "", 0)
		cookie.MaxAge = -1
		cookie.Expires = time.Unix(0, 0)
		http.SetCookie(w, cookie)
	}
}

func (c Cookies) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
