package scripts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cgibin/internal/apperr"
	"cgibin/internal/cgireq"
	"cgibin/internal/render"
	"cgibin/internal/session"
)

// Login runs the cookie session flow:
//
//	?logout with a cookie   -> delete session, clear cookie
//	cookie for live session -> "logged in" page
//	cookie for no session   -> clear cookie, session error page
//	store unreachable       -> 500, cookie kept
//	username submitted      -> new session, Set-Cookie
//	otherwise               -> redirect to the login page
func (a *App) Login(ctx context.Context, req *cgireq.Request) *render.Response {
	failure := render.Failure{Title: "Login Error", BackURL: a.Config.LoginPage, BackLabel: "Try Again"}

	token, hasCookie := req.Cookie(session.CookieName)
	if hasCookie {
		mgr, err := a.sessions(ctx)
		if err != nil {
			return a.fail(err, failure)
		}

		if req.Query.Has("logout") {
			if err := mgr.Delete(ctx, token); err != nil {
				a.Log.Printf("logout: %v", err)
			}
			resp := a.page(http.StatusOK, "logout", render.Data{"LoginPage": a.Config.LoginPage})
			return resp.Add("Set-Cookie", session.ClearCookie())
		}

		username, err := mgr.Lookup(ctx, token)
		if err == nil {
			return a.page(http.StatusOK, "welcome", render.Data{
				"Username":  username,
				"Returning": true,
				"Token":     token,
				"LogoutURL": siblingURL(req, "login") + "?logout=1",
			})
		}
		if !errors.Is(err, session.ErrExpired) {
			return a.fail(apperr.Wrap(apperr.Internal, "An error occurred while reading your session.", err), failure)
		}
		resp := a.page(http.StatusOK, "session_error", render.Data{"LoginPage": a.Config.LoginPage})
		return resp.Add("Set-Cookie", session.ClearCookie())
	}

	fields, err := a.formFields(req)
	if err != nil {
		return a.fail(err, failure)
	}
	username := fields.Get("username")
	if username == "" {
		return render.Redirect(a.Config.LoginPage)
	}

	mgr, err := a.sessions(ctx)
	if err != nil {
		return a.fail(err, failure)
	}
	token, err = mgr.Create(ctx, username)
	if err != nil {
		return a.fail(apperr.Wrap(apperr.Internal, "An error occurred during login.", err), failure)
	}
	a.Log.Printf("session started for %q", username)
	if n, err := mgr.Expire(ctx); err != nil {
		a.Log.Printf("session sweep: %v", err)
	} else if n > 0 {
		a.Log.Printf("swept %d expired sessions", n)
	}

	resp := a.page(http.StatusOK, "welcome", render.Data{
		"Username":  username,
		"Token":     token,
		"Expiry":    humanDuration(a.Config.TTL()),
		"LogoutURL": siblingURL(req, "login") + "?logout=1",
	})
	return resp.Add("Set-Cookie", session.SetCookie(token, a.Config.TTL()))
}

// Echo shows back the submitted username and email address.
func (a *App) Echo(ctx context.Context, req *cgireq.Request) *render.Response {
	fields, err := a.formFields(req)
	if err != nil {
		return a.fail(err, render.Failure{Title: "Form Error", BackURL: "/", BackLabel: "Back to Home"})
	}
	return a.page(http.StatusOK, "echo", render.Data{
		"Username": fields.Get("username"),
		"Email":    firstNonEmpty(fields.Get("emailaddress"), fields.Get("email")),
	})
}

// SignIn greets a submitted username or shows the sign-in form.
func (a *App) SignIn(ctx context.Context, req *cgireq.Request) *render.Response {
	fields, err := a.formFields(req)
	if err != nil {
		return a.fail(err, render.Failure{Title: "Sign In Error", BackURL: "/", BackLabel: "Back to Home"})
	}
	action := req.ScriptName
	if action == "" {
		action = "/cgi-bin/signin.py"
	}
	return a.page(http.StatusOK, "signin", render.Data{
		"Username": fields.Get("username"),
		"Action":   action,
	})
}

// Info reports what the server told us about itself.
func (a *App) Info(ctx context.Context, req *cgireq.Request) *render.Response {
	return a.page(http.StatusOK, "info", render.Data{
		"ServerName": orUnknown(req.ServerName),
		"ServerPort": orUnknown(req.ServerPort),
		"Gateway":    orUnknown(req.Env("GATEWAY_INTERFACE")),
	})
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func humanDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0 && d >= time.Hour:
		return plural(int(d/time.Hour), "hour")
	case d%time.Minute == 0 && d >= time.Minute:
		return plural(int(d/time.Minute), "minute")
	default:
		return plural(int(d/time.Second), "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
