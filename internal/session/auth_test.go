package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"hugin/internal/common"
	"hugin/internal/dispatch/dispatchtest"
	"hugin/internal/net"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{ClientID: "client", ClientSecret: "s3cret"}

func newConnectedAuthenticator(t *testing.T, mode Mode) (*Authenticator, *dispatchtest.Sender, func(uint64, string)) {
	t.Helper()
	d, sender := dispatchtest.NewDispatcher()
	auth := NewAuthenticator(d, mode, zerolog.Nop())
	auth.now = func() time.Time { return time.UnixMilli(1700000000000) }
	auth.OnOpen()
	respond := func(id uint64, result string) { dispatchtest.Respond(d, id, result) }
	return auth, sender, respond
}

func TestSignature(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte("1700000000000\ns3cret"))
	expected := hex.EncodeToString(mac.Sum(nil))

	sig := Signature("s3cret", "1700000000000")
	assert.Equal(t, expected, sig)
	assert.Len(t, sig, 64)
	assert.NotEqual(t, sig, Signature("other", "1700000000000"))
}

func TestLoginParams_SignatureModeNeverSendsSecret(t *testing.T) {
	params := LoginParams(ModeSignature, testCreds, time.UnixMilli(1700000000000))
	assert.Equal(t, "client_signature", params.GrantType)
	assert.Equal(t, "1700000000000", params.Timestamp)
	assert.Equal(t, Signature("s3cret", "1700000000000"), params.Signature)

	raw, err := json.Marshal(params)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")
}

func TestLoginParams_SecretMode(t *testing.T) {
	params := LoginParams(ModeSecret, testCreds, time.UnixMilli(1700000000000))
	assert.Equal(t, "client_credentials", params.GrantType)
	assert.Equal(t, "s3cret", params.ClientSecret)
	assert.Empty(t, params.Signature)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeSignature, mode)

	mode, err = ParseMode("SECRET")
	require.NoError(t, err)
	assert.Equal(t, ModeSecret, mode)

	_, err = ParseMode("token")
	assert.True(t, errors.Is(err, common.ErrInvalidArgument))
}

func TestAuthenticate_Success(t *testing.T) {
	auth, sender, respond := newConnectedAuthenticator(t, ModeSignature)
	assert.Equal(t, Unauthenticated, auth.State())

	call, err := auth.Authenticate(testCreds)
	require.NoError(t, err)
	assert.Equal(t, AuthPending, auth.State())

	req := sender.Last()
	assert.Equal(t, net.MethodAuth, req.Method)
	assert.Equal(t, call.ID, req.ID)

	respond(call.ID, `{"access_token":"tok","refresh_token":"ref","expires_in":900,"scope":"session:x","token_type":"bearer"}`)
	<-call.Done()
	assert.NoError(t, call.Err())
	assert.Equal(t, Authenticated, auth.State())
	assert.Equal(t, "tok", auth.Token().AccessToken)
	assert.Equal(t, time.UnixMilli(1700000000000).Add(900*time.Second), auth.Token().Expires)
}

func TestAuthenticate_Rejected(t *testing.T) {
	d, _ := dispatchtest.NewDispatcher()
	auth := NewAuthenticator(d, ModeSecret, zerolog.Nop())
	auth.OnOpen()

	call, err := auth.Authenticate(testCreds)
	require.NoError(t, err)
	dispatchtest.RespondError(d, call.ID, 13004, "invalid_credentials")

	assert.Equal(t, AuthFailed, auth.State())
	assert.True(t, errors.Is(auth.Err(), common.ErrAuth))

	// Credentials can be supplied again after a failure.
	_, err = auth.Authenticate(Credentials{ClientID: "client", ClientSecret: "fixed"})
	assert.NoError(t, err)
	assert.Equal(t, AuthPending, auth.State())
	assert.NoError(t, auth.Err())
}

func TestAuthenticate_Preconditions(t *testing.T) {
	d, sender := dispatchtest.NewDispatcher()
	auth := NewAuthenticator(d, ModeSignature, zerolog.Nop())

	_, err := auth.Authenticate(testCreds)
	assert.True(t, errors.Is(err, common.ErrConnection), "disconnected")

	auth.OnOpen()
	_, err = auth.Authenticate(Credentials{ClientID: "client"})
	assert.True(t, errors.Is(err, common.ErrInvalidArgument), "missing secret")

	_, err = auth.Authenticate(testCreds)
	require.NoError(t, err)
	_, err = auth.Authenticate(testCreds)
	assert.True(t, errors.Is(err, common.ErrInvalidArgument), "already pending")
	assert.Equal(t, 1, sender.Count())
}

func TestAuthenticate_SendFailureRestoresState(t *testing.T) {
	auth, sender, _ := newConnectedAuthenticator(t, ModeSignature)
	sender.SetErr(net.ErrNotConnected)

	_, err := auth.Authenticate(testCreds)
	assert.True(t, errors.Is(err, common.ErrConnection))
	assert.Equal(t, Unauthenticated, auth.State())
}

func TestOnClose_ResetsAndIgnoresLateResponse(t *testing.T) {
	auth, _, respond := newConnectedAuthenticator(t, ModeSignature)

	call, err := auth.Authenticate(testCreds)
	require.NoError(t, err)

	auth.OnClose()
	assert.Equal(t, Disconnected, auth.State())

	respond(call.ID, `{"access_token":"tok"}`)
	assert.Equal(t, Disconnected, auth.State())
	assert.Empty(t, auth.Token().AccessToken)
}
