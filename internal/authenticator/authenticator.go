// Package authenticator authenticates callers of the changefeed endpoint,
// establishing the account on whose behalf a subscription is made.
package authenticator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	// AccountVar is the route variable naming the account in the request
	// path.
	AccountVar = "account"

	loginClaim = "login"
)

var (
	// ErrUnauthorized is returned when a request carries no valid token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAccessNotPermitted is returned when an authenticated account
	// requests another account's resources.
	ErrAccessNotPermitted = errors.New("access to the resource is not permitted")
)

// unexported key type prevents collisions
type accountCtxKeyType string

const accountCtxKey accountCtxKeyType = "account"

type (
	// Account is an authenticated caller.
	Account struct {
		UUID  string
		Login string
	}

	// Authenticator verifies bearer tokens signed with a shared secret.
	Authenticator struct {
		logr.Logger

		key jwk.Key
	}

	NewTokenOptions struct {
		Account Account
		Expiry  *time.Time
	}
)

func New(logger logr.Logger, secret []byte) (*Authenticator, error) {
	key, err := jwk.FromRaw(secret)
	if err != nil {
		return nil, fmt.Errorf("constructing key from secret: %w", err)
	}
	return &Authenticator{
		Logger: logger.WithValues("component", "authenticator"),
		key:    key,
	}, nil
}

// NewToken mints a signed token for the given account.
func (a *Authenticator) NewToken(opts NewTokenOptions) ([]byte, error) {
	builder := jwt.NewBuilder().
		Subject(opts.Account.UUID).
		IssuedAt(time.Now())
	if opts.Account.Login != "" {
		builder = builder.Claim(loginClaim, opts.Account.Login)
	}
	if opts.Expiry != nil {
		builder = builder.Expiration(*opts.Expiry)
	}
	token, err := builder.Build()
	if err != nil {
		return nil, err
	}
	return jwt.Sign(token, jwt.WithKey(jwa.HS256, a.key))
}

// Authenticate parses and verifies a signed token, returning the account it
// identifies.
func (a *Authenticator) Authenticate(raw string) (Account, error) {
	token, err := jwt.Parse([]byte(raw), jwt.WithKey(jwa.HS256, a.key))
	if err != nil {
		return Account{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if token.Subject() == "" {
		return Account{}, fmt.Errorf("%w: token missing subject", ErrUnauthorized)
	}
	acct := Account{UUID: token.Subject()}
	if v, ok := token.Get(loginClaim); ok {
		if login, ok := v.(string); ok {
			acct.Login = login
		}
	}
	return acct, nil
}

// Middleware authenticates the bearer token on each request and, if the
// matched route names an account, checks it belongs to the caller.
func (a *Authenticator) Middleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bearer := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(bearer, "Bearer ")
			if !ok || raw == "" {
				http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
				return
			}
			acct, err := a.Authenticate(raw)
			if err != nil {
				a.V(1).Info("rejected token", "path", r.URL.Path, "err", err.Error())
				http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
				return
			}
			if name, ok := mux.Vars(r)[AccountVar]; ok && !acct.Is(name) {
				http.Error(w, ErrAccessNotPermitted.Error(), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(AddAccountToContext(r.Context(), acct)))
		})
	}
}

// Is determines whether name refers to the account, by login or by uuid.
func (a Account) Is(name string) bool {
	return name == a.UUID || (a.Login != "" && name == a.Login)
}

func (a Account) String() string {
	if a.Login != "" {
		return a.Login
	}
	return a.UUID
}

// AddAccountToContext adds an account to a context
func AddAccountToContext(ctx context.Context, acct Account) context.Context {
	return context.WithValue(ctx, accountCtxKey, acct)
}

// AccountFromContext retrieves an account from a context
func AccountFromContext(ctx context.Context) (Account, error) {
	acct, ok := ctx.Value(accountCtxKey).(Account)
	if !ok {
		return Account{}, fmt.Errorf("no account in context")
	}
	return acct, nil
}
