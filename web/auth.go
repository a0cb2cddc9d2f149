package web

import (
	"crypto/subtle"
	"net/http"
	"sort"

	"github.com/goji/httpauth"
	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	sessionName = "layerview"
	sessionKey  = "authenticated"
)

// AuthFunc checks a user name and password from a basic auth header
type AuthFunc func(user, pass string, r *http.Request) bool

// extra authentication methods enabled by build tags
var authFuncs = map[string]AuthFunc{}

// Authenticator returns the named authentication method. The "static" method checks against the
// given user and password, "pam" is available if built with the pam tag.
func Authenticator(method, user, pass string) (AuthFunc, error) {
	if method == "static" {
		if user == "" || pass == "" {
			return nil, errors.New("static auth requires a user and password")
		}
		return StaticAuth(user, pass), nil
	}
	if fn, ok := authFuncs[method]; ok {
		return fn, nil
	}
	methods := []string{"static"}
	for name := range authFuncs {
		methods = append(methods, name)
	}
	sort.Strings(methods)
	return nil, errors.Errorf("auth method %q not supported: valid methods are %v", method, methods)
}

// StaticAuth accepts a single user and password
func StaticAuth(user, pass string) AuthFunc {
	return func(u, p string, r *http.Request) bool {
		ok := subtle.ConstantTimeCompare([]byte(u), []byte(user)) == 1 &&
			subtle.ConstantTimeCompare([]byte(p), []byte(pass)) == 1
		log.Debugf("auth %s from %s: %v", u, r.RemoteAddr, ok)
		return ok
	}
}

type AuthMiddleware struct {
	store *sessions.CookieStore
	opts  httpauth.AuthOptions
}

// Setup new middleware for authenticating requests. Session keys are regenerated on each start
// so sessions do not outlive the server.
func NewAuthMiddleware(auth AuthFunc) *AuthMiddleware {
	store := sessions.NewCookieStore(securecookie.GenerateRandomKey(32), securecookie.GenerateRandomKey(32))
	store.Options = &sessions.Options{Path: "/", MaxAge: 86400, HttpOnly: true}
	return &AuthMiddleware{
		store: store,
		opts:  httpauth.AuthOptions{Realm: "layerview", AuthFunc: auth},
	}
}

// If the session is not authenticated then use basic auth to login and save the session cookie.
func (mw *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s, err := mw.store.Get(r, sessionName); err == nil && s.Values[sessionKey] == true {
			next.ServeHTTP(w, r)
			return
		}
		httpauth.BasicAuth(mw.opts)(mw.setSession(next)).ServeHTTP(w, r)
	})
}

func (mw *AuthMiddleware) setSession(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get returns a new session if the cookie could not be decoded
		s, _ := mw.store.Get(r, sessionName)
		s.Values[sessionKey] = true
		if err := s.Save(r, w); err != nil {
			log.Error("error saving session: ", err)
		}
		h.ServeHTTP(w, r)
	})
}
