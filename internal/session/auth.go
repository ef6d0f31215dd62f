package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"hugin/internal/common"
	"hugin/internal/dispatch"
	"hugin/internal/metrics"
	"hugin/internal/net"

	"github.com/rs/zerolog"
)

type State int

const (
	// Disconnected is the state before the transport opens and after it
	// closes. It is unauthenticated as well.
	Disconnected State = iota
	Unauthenticated
	AuthPending
	Authenticated
	AuthFailed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Unauthenticated:
		return "unauthenticated"
	case AuthPending:
		return "auth_pending"
	case Authenticated:
		return "authenticated"
	case AuthFailed:
		return "auth_failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Mode selects what the login payload proves possession of the secret with.
type Mode string

const (
	// ModeSignature sends an HMAC signature and never the secret itself.
	ModeSignature Mode = "signature"
	// ModeSecret sends the raw client secret.
	ModeSecret Mode = "secret"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeSignature, "":
		return ModeSignature, nil
	case ModeSecret:
		return ModeSecret, nil
	}
	return "", fmt.Errorf("%w: unknown auth mode %q", common.ErrInvalidArgument, s)
}

type Credentials struct {
	ClientID     string
	ClientSecret string
}

type Token struct {
	AccessToken  string
	RefreshToken string
	Scope        string
	Expires      time.Time
}

// Signature is HMAC-SHA256 keyed with the secret over
// "<timestamp>\n<secret>", hex encoded in lowercase.
func Signature(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// LoginParams builds the public/auth parameters for the given mode.
func LoginParams(mode Mode, creds Credentials, now time.Time) net.AuthParams {
	timestamp := strconv.FormatInt(now.UnixMilli(), 10)
	if mode == ModeSecret {
		return net.AuthParams{
			GrantType:    "client_credentials",
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Timestamp:    timestamp,
		}
	}
	return net.AuthParams{
		GrantType: "client_signature",
		ClientID:  creds.ClientID,
		Timestamp: timestamp,
		Signature: Signature(creds.ClientSecret, timestamp),
	}
}

// Authenticator owns the session's login state.
type Authenticator struct {
	log    zerolog.Logger
	caller dispatch.Caller
	mode   Mode
	now    func() time.Time

	mu    sync.Mutex
	state State
	token Token
	err   error
	// attempt invalidates callbacks from logins that a reset superseded.
	attempt uint64
}

func NewAuthenticator(caller dispatch.Caller, mode Mode, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		log:    logger.With().Str("component", "auth").Logger(),
		caller: caller,
		mode:   mode,
		now:    time.Now,
	}
}

// Authenticate sends the login request and returns without waiting for
// the answer. The call's ID is the pending request id.
func (a *Authenticator) Authenticate(creds Credentials) (*dispatch.Call, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("%w: client id and secret are required", common.ErrInvalidArgument)
	}

	a.mu.Lock()
	switch a.state {
	case Disconnected:
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot authenticate while disconnected", common.ErrConnection)
	case AuthPending:
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: authentication already in progress", common.ErrInvalidArgument)
	}
	previous := a.state
	a.state = AuthPending
	a.err = nil
	a.attempt++
	attempt := a.attempt
	a.mu.Unlock()

	params := LoginParams(a.mode, creds, a.now())
	call, err := a.caller.Call(net.MethodAuth, params, func(c *dispatch.Call) {
		a.onResult(attempt, c)
	})
	if err != nil {
		a.mu.Lock()
		if a.attempt == attempt && a.state == AuthPending {
			a.state = previous
		}
		a.mu.Unlock()
		return nil, err
	}

	a.log.Info().
		Str("client_id", creds.ClientID).
		Str("mode", string(a.mode)).
		Uint64("id", call.ID).
		Msg("authenticating")
	return call, nil
}

func (a *Authenticator) onResult(attempt uint64, call *dispatch.Call) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if attempt != a.attempt || a.state != AuthPending {
		a.log.Debug().Uint64("id", call.ID).Msg("ignoring superseded auth response")
		return
	}

	var result net.AuthResult
	err := call.Decode(&result)
	if err == nil && result.AccessToken == "" {
		err = fmt.Errorf("%w: auth result without access token", common.ErrProtocol)
	}
	if err != nil {
		a.state = AuthFailed
		var rpcErr *net.RPCError
		if errors.As(err, &rpcErr) {
			a.err = fmt.Errorf("%w: %v", common.ErrAuth, rpcErr)
			metrics.AuthAttemptsTotal.WithLabelValues("rejected").Inc()
		} else {
			a.err = err
			metrics.AuthAttemptsTotal.WithLabelValues("error").Inc()
		}
		a.log.Error().Err(a.err).Msg("authentication failed")
		return
	}

	a.state = Authenticated
	a.token = Token{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		Scope:        result.Scope,
		Expires:      a.now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	metrics.AuthAttemptsTotal.WithLabelValues("ok").Inc()
	a.log.Info().
		Str("scope", result.Scope).
		Time("expires", a.token.Expires).
		Msg("authenticated")
}

// OnOpen moves a freshly connected session to Unauthenticated.
func (a *Authenticator) OnOpen() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = Unauthenticated
	a.err = nil
	a.attempt++
}

// OnClose forgets the login; the next connection has to authenticate again.
func (a *Authenticator) OnClose() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = Disconnected
	a.token = Token{}
	a.attempt++
}

func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Authenticator) Token() Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

// Err is the reason of the last failed login, wrapping common.ErrAuth when
// the exchange rejected the credentials.
func (a *Authenticator) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}
