package session

import (
	"net/http"
	"time"
)

const CookieName = "session_id"

// SetCookie is the Set-Cookie value issued on login, e.g.
// "session_id=<token>; Path=/; Max-Age=3600".
func SetCookie(token string, ttl time.Duration) string {
	c := &http.Cookie{
		Name:   CookieName,
		Value:  token,
		Path:   "/",
		MaxAge: int(ttl / time.Second),
	}
	return c.String()
}

// ClearCookie is the Set-Cookie value that removes the session cookie.
func ClearCookie() string {
	c := &http.Cookie{
		Name:    CookieName,
		Value:   "deleted",
		Path:    "/",
		Expires: time.Unix(0, 0).UTC(),
		MaxAge:  -1,
	}
	return c.String()
}
