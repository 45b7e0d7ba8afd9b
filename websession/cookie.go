package websession

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
)

const (
	CookieName = "session_id"
	idKey      = "id"
)

// Manager ties a Store entry to the session_id cookie of a request.
type Manager struct {
	store  Store
	secure bool
}

type ManagerArgs struct {
	Store Store
	// Secure marks the cookie Secure; leave off only for plain http dev setups.
	Secure bool
}

func NewManager(args ManagerArgs) *Manager {
	return &Manager{
		store:  args.Store,
		secure: args.Secure,
	}
}

// Middleware installs the signed cookie store the manager reads from.
func Middleware(secret []byte) echo.MiddlewareFunc {
	return session.Middleware(sessions.NewCookieStore(secret))
}

func (m *Manager) Store() Store { return m.store }

// Current returns the session referenced by the request cookie.
func (m *Manager) Current(e echo.Context) (*Session, error) {
	sess, err := session.Get(CookieName, e)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	id, _ := sess.Values[idKey].(string)
	if id == "" {
		return nil, ErrSessionNotFound
	}

	return m.store.Get(e.Request().Context(), id)
}

// Begin reuses the request's session or creates a new one and points the
// cookie at it with the pre-authentication lifetime. A reused session gets
// at least that long again on the server side too.
func (m *Manager) Begin(e echo.Context) (*Session, error) {
	s, err := m.Current(e)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	ctx := e.Request().Context()

	if s == nil {
		s, err = m.store.Create(ctx, PreAuthTTL)
		if err != nil {
			return nil, err
		}
	} else if err := m.store.Extend(ctx, s, PreAuthTTL); err != nil {
		return nil, err
	}

	if err := m.writeCookie(e, s.ID, PreAuthTTL); err != nil {
		return nil, err
	}

	return s, nil
}

// Promote saves an authenticated session and extends the cookie and server
// side lifetime to the post-authentication window.
func (m *Manager) Promote(ctx context.Context, e echo.Context, s *Session) error {
	if err := m.store.Extend(ctx, s, PostAuthTTL); err != nil {
		return err
	}

	return m.writeCookie(e, s.ID, PostAuthTTL)
}

// End deletes the session and expires the cookie.
func (m *Manager) End(e echo.Context) error {
	if s, err := m.Current(e); err == nil {
		if err := m.store.Delete(e.Request().Context(), s.ID); err != nil {
			return err
		}
	}

	sess, err := session.Get(CookieName, e)
	if err != nil {
		return err
	}

	sess.Options = m.options(-1)
	sess.Values = map[interface{}]interface{}{}

	return sess.Save(e.Request(), e.Response())
}

func (m *Manager) writeCookie(e echo.Context, id string, ttl time.Duration) error {
	sess, err := session.Get(CookieName, e)
	if err != nil {
		return err
	}

	sess.Options = m.options(int(ttl.Seconds()))

	// make sure the session is empty
	sess.Values = map[interface{}]interface{}{}
	sess.Values[idKey] = id

	return sess.Save(e.Request(), e.Response())
}

func (m *Manager) options(maxAge int) *sessions.Options {
	return &sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	}
}
