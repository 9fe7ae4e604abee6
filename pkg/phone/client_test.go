package phone

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokyapp/toky-phone-go-sdk/pkg/media"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/signaling"
	"github.com/tokyapp/toky-phone-go-sdk/pkg/storage"
)

func validConfig() Config {
	return Config{
		AccessToken: "tok",
		Account:     Account{User: "a1", Type: "agent", AcceptInboundCalls: true},
	}
}

type testEnv struct {
	client  *Client
	gw      *fakeGateway
	factory *fakeFactory
	channel *fakeChannel
	store   storage.Store
	rec     *eventRecorder
	devices *media.Devices
	enum    *fakeEnumerator
}

// fakeEnumerator - двойник перечисления устройств.
type fakeEnumerator struct {
	devices []media.Device
	err     error
}

func (f *fakeEnumerator) Enumerate(context.Context) ([]media.Device, error) {
	return f.devices, f.err
}

func grantedDevices() []media.Device {
	return []media.Device{
		{ID: "mic-1", Kind: media.KindInput, Name: "Microphone"},
		{ID: "spk-1", Kind: media.KindOutput, Name: "Speakers"},
	}
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		gw:      newFakeGateway(),
		factory: newFakeFactory(),
		channel: &fakeChannel{},
		store:   storage.NewMemoryStore(),
		rec:     &eventRecorder{},
		enum:    &fakeEnumerator{devices: grantedDevices()},
	}
	env.devices = media.NewDevices(env.enum, env.store)
	require.NoError(t, env.devices.Refresh(context.Background()))

	client, err := NewClient(cfg, Deps{
		Gateway: env.gw,
		Factory: env.factory,
		Channel: env.channel,
		Store:   env.store,
		Devices: env.devices,
	})
	require.NoError(t, err)

	env.client = client
	client.OnAny(func(ev Event) {
		env.rec.mu.Lock()
		env.rec.events = append(env.rec.events, ev)
		env.rec.mu.Unlock()
	})
	return env
}

func (e *testEnv) initialized(t *testing.T) *Settings {
	t.Helper()
	settings, err := e.client.Init(context.Background())
	require.NoError(t, err)
	return settings
}

func TestNewClientValidation(t *testing.T) {
	deps := Deps{Gateway: newFakeGateway(), Factory: newFakeFactory()}

	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"missing token", func(c *Config) { c.AccessToken = "" }},
		{"missing user", func(c *Config) { c.Account.User = "" }},
		{"missing type", func(c *Config) { c.Account.Type = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mod(&cfg)
			_, err := NewClient(cfg, deps)
			assert.Error(t, err)
		})
	}
}

func TestNewClientNoNetwork(t *testing.T) {
	gw := newFakeGateway()
	gw.paramsErr = errors.New("gateway must not be called at construction")

	client, err := NewClient(validConfig(), Deps{Gateway: gw, Factory: newFakeFactory()})
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.False(t, client.IsRegistered())
}

func TestInitReturnsSettings(t *testing.T) {
	env := newTestEnv(t, validConfig())

	settings := env.initialized(t)

	assert.Equal(t, "us", settings.ConnectionCountry)
	assert.Equal(t, "agent-7", settings.SIPUsername)
	assert.True(t, settings.CallRecordingEnabled)

	assert.True(t, env.client.IsRegistered())
	assert.Equal(t, signaling.Registered, env.client.RegistrationState())
	assert.Equal(t, 1, env.rec.count(EventReady))
	assert.Equal(t, 1, env.rec.count(EventRegistered))
	assert.Equal(t, 1, env.rec.count(EventOnline))
}

func TestInitFailsWithoutSIPURI(t *testing.T) {
	env := newTestEnv(t, validConfig())
	env.gw.params.SIP.URI = ""

	_, err := env.client.Init(context.Background())
	assert.Error(t, err)
}

func TestStartCallRequiresRegistration(t *testing.T) {
	env := newTestEnv(t, validConfig())

	sess := env.client.StartCall(context.Background(), "+15551234567", "+15557654321")
	assert.Nil(t, sess)
}

func TestStartCallRequiresMediaPermission(t *testing.T) {
	env := newTestEnv(t, validConfig())
	env.initialized(t)

	// Пустые имена устройств означают отсутствие разрешения на захват
	env.enum.devices = []media.Device{{ID: "mic-1", Kind: media.KindInput}}
	require.NoError(t, env.devices.Refresh(context.Background()))

	sess := env.client.StartCall(context.Background(), "+15551234567", "")
	assert.Nil(t, sess)

	ev, ok := env.rec.last(EventInviteRejected)
	require.True(t, ok)
	assert.Equal(t, 412, ev.(InviteRejectedEvent).Code)
}

func TestStartCallCreatesOutboundSession(t *testing.T) {
	env := newTestEnv(t, validConfig())
	env.initialized(t)
	env.factory.ua.nextSession = newFakeSession("call-1")

	sess := env.client.StartCall(context.Background(), "+15551234567", "+15557654321")
	require.NotNil(t, sess)

	assert.Equal(t, Outbound, sess.Direction())
	assert.Equal(t, sess, env.client.CurrentSession())
	assert.Equal(t, 1, env.rec.count(EventSessionConnecting))
}

func TestReconnectionExhaustionEmitsRegistrationFailed(t *testing.T) {
	cfg := validConfig()
	cfg.ReconnectionAttempts = 2
	cfg.ReconnectionDelay = 10 * time.Millisecond

	env := newTestEnv(t, cfg)
	env.initialized(t)
	env.factory.ua.reconnectErr = errors.New("network down")

	env.factory.ua.dropTransport(errors.New("transport lost"))

	assert.Eventually(t, func() bool {
		return env.rec.count(EventRegistrationFailed) == 1
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, env.factory.ua.reconnectCount(), 2)
}

func TestReconnectionSuccessEmitsOnline(t *testing.T) {
	cfg := validConfig()
	cfg.ReconnectionDelay = 10 * time.Millisecond

	env := newTestEnv(t, cfg)
	env.initialized(t)
	online := env.rec.count(EventOnline)

	env.factory.ua.dropTransport(errors.New("transport lost"))

	assert.Eventually(t, func() bool {
		return env.rec.count(EventOnline) == online+1
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, env.rec.count(EventRegistrationFailed))
}

func TestDeliberateStopDoesNotReconnect(t *testing.T) {
	env := newTestEnv(t, validConfig())
	env.initialized(t)

	require.NoError(t, env.client.Stop(context.Background()))
	env.factory.ua.dropTransport(errors.New("closing"))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, env.factory.ua.reconnectCount())
	assert.True(t, env.channel.closed)
}

func TestInboundInviteClassification(t *testing.T) {
	env := newTestEnv(t, validConfig())
	env.initialized(t)

	t.Run("rejected blind bounce-back", func(t *testing.T) {
		inv := newFakeSession("bounce-1")
		inv.headers["X-Transferred-By"] = "agent-7"

		env.factory.ua.deliverInvite(inv)

		ev, ok := env.rec.last(EventInvite)
		require.True(t, ok)
		data := ev.(InviteEvent).CallData
		assert.Equal(t, TransferBlind, data.TransferredType)
		assert.Equal(t, "rejected", data.Cause)

		require.NoError(t, ev.(InviteEvent).Session.EndCall(context.Background()))
	})

	t.Run("foreign warm leg suppressed", func(t *testing.T) {
		before := env.rec.count(EventInvite)
		inv := newFakeSession("leg-1")
		inv.headers["X-Warm"] = "true"
		inv.headers["X-Transferred-By"] = "somebody-else"

		env.factory.ua.deliverInvite(inv)
		assert.Equal(t, before, env.rec.count(EventInvite))
	})

	t.Run("warm establish auto accepts", func(t *testing.T) {
		inv := newFakeSession("warm-1")
		inv.headers["X-Warm"] = "true"
		inv.headers["X-Transferred-By"] = "agent-7"

		env.factory.ua.deliverInvite(inv)

		ev, ok := env.rec.last(EventInvite)
		require.True(t, ok)
		data := ev.(InviteEvent).CallData
		assert.Equal(t, TransferWarm, data.TransferredType)
		assert.Equal(t, "establish", data.Cause)
		assert.True(t, inv.accepted)

		require.NoError(t, ev.(InviteEvent).Session.EndCall(context.Background()))
	})

	t.Run("ordinary inbound carries metadata", func(t *testing.T) {
		inv := newFakeSession("plain-1")
		inv.displayName = "John Caller"
		inv.headers["X-Calling-To"] = "+15550001111"
		inv.headers["X-Connection-Country"] = "co"
		inv.headers["X-PSTN"] = "yes"
		inv.headers["User-Agent"] = "Toky Desktop 1.2"

		env.factory.ua.deliverInvite(inv)

		ev, ok := env.rec.last(EventInvite)
		require.True(t, ok)
		data := ev.(InviteEvent).CallData
		assert.Equal(t, UserTypeContact, data.RemoteUserType)
		assert.Equal(t, "John Caller", data.RemoteUserName)
		assert.Equal(t, "+15550001111", data.DID)
		assert.Equal(t, "co", data.RemoteUserLocation)
		assert.True(t, data.IsFromPSTN)
		assert.Equal(t, "toky", data.UserAgent)

		require.NoError(t, ev.(InviteEvent).Session.EndCall(context.Background()))
	})

	t.Run("busy client rejects second invite", func(t *testing.T) {
		first := newFakeSession("busy-1")
		env.factory.ua.deliverInvite(first)

		second := newFakeSession("busy-2")
		env.factory.ua.deliverInvite(second)
		assert.True(t, second.rejected)

		ev, ok := env.rec.last(EventInvite)
		require.True(t, ok)
		require.NoError(t, ev.(InviteEvent).Session.EndCall(context.Background()))
	})
}

func TestAnonymousCallerClassification(t *testing.T) {
	env := newTestEnv(t, validConfig())
	env.initialized(t)

	inv := newFakeSession("anon-1")
	inv.remoteURI = "sip:anonymous@anonymous.invalid"
	env.factory.ua.deliverInvite(inv)

	ev, ok := env.rec.last(EventInvite)
	require.True(t, ok)
	assert.Equal(t, UserTypeAnonymous, ev.(InviteEvent).CallData.RemoteUserType)
}

func TestRefreshAccessToken(t *testing.T) {
	env := newTestEnv(t, validConfig())

	env.client.RefreshAccessToken("fresh")
	assert.Equal(t, "fresh", env.gw.token)
}
