// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package webphone

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/webphone/mediastream"
	"github.com/emiago/webphone/sdh"
	"github.com/emiago/webphone/sipws"
	"github.com/emiago/webphone/sipws/sipwstest"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	sip.SIPDebug = os.Getenv("SIP_DEBUG") != ""
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		log.Logger = log.Logger.Level(lvl)
	}
	os.Exit(m.Run())
}

// fakeDevices counts microphone acquisitions
type fakeDevices struct {
	calls   atomic.Int32
	streams []*mediastream.Stream
	mu      sync.Mutex
	err     error
	delay   time.Duration
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c mediastream.Constraints) (*mediastream.Stream, error) {
	d.calls.Add(1)
	time.Sleep(d.delay)
	if d.err != nil {
		return nil, d.err
	}
	s, err := mediastream.NewSilentStream()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

type fakeRegisterer struct {
	mu          sync.Mutex
	state       sipws.RegistererState
	registered  int
	unregisters int
	disposed    bool
	registerErr error
}

func (r *fakeRegisterer) Register(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered++
	return r.registerErr
}

func (r *fakeRegisterer) registerCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

func (r *fakeRegisterer) UnregisterNoWait(ctx context.Context) <-chan error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisters++
	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (r *fakeRegisterer) State() sipws.RegistererState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRegisterer) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
	r.state = sipws.RegistererStateTerminated
}

func (r *fakeRegisterer) isDisposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

func testConfig() Config {
	return Config{
		Username:   "1001",
		Password:   "secret",
		SIPServer:  "pbx.example.com",
		ICEServers: []webrtc.ICEServer{},
	}
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *PhoneClient {
	t.Helper()
	c, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

func newTestHandler(t *testing.T, c *PhoneClient) *sdh.Handler {
	t.Helper()
	h, err := sdh.NewFactory(c.mediaStreamFactory, sdh.Config{ICEServers: []webrtc.ICEServer{}})(zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestConfigWebsocketURL(t *testing.T) {
	cfg := Config{SIPServer: "pbx.example.com"}
	assert.Equal(t, "wss://pbx.example.com:8089/ws", cfg.WebsocketURL())

	cfg.WSServer = "wss://edge.example.com/sip"
	assert.Equal(t, "wss://edge.example.com/sip", cfg.WebsocketURL())
}

func TestConfigAuthorizationUsername(t *testing.T) {
	cfg := Config{Username: "1001"}
	assert.Equal(t, "1001", cfg.AuthorizationUsername())
	cfg.Login = "acct-1001"
	assert.Equal(t, "acct-1001", cfg.AuthorizationUsername())
}

func TestNewUsesDerivedServer(t *testing.T) {
	c := newTestClient(t, testConfig())
	assert.Equal(t, "wss://pbx.example.com:8089/ws", c.UserAgent().Transport().Server())
	assert.Equal(t, "1001", c.UserAgent().URI().User)
	assert.Nil(t, c.Registerer())
}

func TestNewConfigError(t *testing.T) {
	cfg := testConfig()
	cfg.SIPServer = ""
	_, err := New(cfg)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "uri", cfgErr.Field)

	cfg = testConfig()
	cfg.WSServer = "http://pbx.example.com/ws"
	_, err = New(cfg)
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, sipws.ErrTransportServer)
}

func TestMakeInviter(t *testing.T) {
	c := newTestClient(t, testConfig())

	inv, err := c.MakeInviter("5551234")
	require.NoError(t, err)
	assert.Equal(t, "5551234", inv.Target().User)
	assert.Equal(t, "pbx.example.com", inv.Target().Host)
	assert.Equal(t, sipws.InviterStateInitial, inv.State())
}

func TestMediaFactoryEmptyConstraints(t *testing.T) {
	devices := &fakeDevices{}
	c := newTestClient(t, testConfig(), WithMediaDevices(devices))
	h := newTestHandler(t, c)

	stream, err := c.mediaStreamFactory(context.Background(), mediastream.Constraints{}, h)
	require.NoError(t, err)
	assert.Empty(t, stream.Tracks())
	assert.Zero(t, devices.calls.Load())
}

func TestMediaFactoryNoDevices(t *testing.T) {
	c := newTestClient(t, testConfig(), WithMediaDevices(nil))
	h := newTestHandler(t, c)

	_, err := c.mediaStreamFactory(context.Background(), mediastream.Constraints{Audio: true}, h)
	require.ErrorIs(t, err, ErrMediaUnavailable)

	// Invite fails on missing media before anything is sent
	inv, err := c.MakeInviter("5551234")
	require.NoError(t, err)
	require.ErrorIs(t, inv.Invite(context.Background()), ErrMediaUnavailable)
}

func TestMediaFactoryAcquiresOnce(t *testing.T) {
	devices := &fakeDevices{delay: 20 * time.Millisecond}
	reg := prometheus.NewRegistry()
	c := newTestClient(t, testConfig(), WithMediaDevices(devices), WithMetrics(reg))

	handlers := make([]*sdh.Handler, 4)
	for i := range handlers {
		handlers[i] = newTestHandler(t, c)
	}

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *sdh.Handler) {
			defer wg.Done()
			stream, err := c.mediaStreamFactory(context.Background(), mediastream.Constraints{Audio: true}, h)
			assert.NoError(t, err)
			assert.Len(t, stream.AudioTracks(), 1)
			stream.Stop()
		}(h)
	}
	wg.Wait()

	assert.EqualValues(t, 1, devices.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.mediaAcquisitions))

	// Captured microphone is never used for negotiation
	require.Len(t, devices.streams, 1)
	assert.False(t, devices.streams[0].Active())
}

func TestMediaFactoryAcquireFailure(t *testing.T) {
	errDenied := errors.New("permission denied")
	devices := &fakeDevices{err: errDenied}
	c := newTestClient(t, testConfig(), WithMediaDevices(devices))
	h := newTestHandler(t, c)

	_, err := c.mediaStreamFactory(context.Background(), mediastream.Constraints{Audio: true}, h)
	require.ErrorIs(t, err, errDenied)

	// Failed acquisition is retried on next session
	devices.err = nil
	_, err = c.mediaStreamFactory(context.Background(), mediastream.Constraints{Audio: true}, h)
	require.NoError(t, err)
	assert.EqualValues(t, 2, devices.calls.Load())
}

func TestSessionCloseTwice(t *testing.T) {
	c := newTestClient(t, testConfig(), WithMediaDevices(&fakeDevices{}))
	h := newTestHandler(t, c)

	_, err := h.GetDescription(context.Background(), sdh.Options{
		Constraints: mediastream.Constraints{Audio: true},
		DataChannel: true,
	})
	require.NoError(t, err)
	local := h.LocalMediaStream()
	require.NotNil(t, local)

	h.Close()
	h.Close()
	assert.Equal(t, webrtc.SignalingStateClosed, h.PeerConnection().SignalingState())
	assert.False(t, local.Active())
}

func TestRegisterOnEveryConnect(t *testing.T) {
	c := newTestClient(t, testConfig())

	var created []*fakeRegisterer
	c.newRegisterer = func() Registerer {
		r := &fakeRegisterer{state: sipws.RegistererStateUnregistered}
		created = append(created, r)
		return r
	}

	c.onTransportState(sipws.TransportStateConnected)
	c.onTransportState(sipws.TransportStateConnected)

	require.Len(t, created, 2)
	assert.True(t, created[0].isDisposed())
	assert.False(t, created[1].isDisposed())
	assert.Same(t, created[1], c.Registerer())

	// Other states do not create registerer
	c.onTransportState(sipws.TransportStateDisconnected)
	assert.Len(t, created, 2)
}

func TestRegisterFailureReported(t *testing.T) {
	reg := prometheus.NewRegistry()
	var reported atomic.Int32
	c := newTestClient(t, testConfig(), WithMetrics(reg), WithErrorHandler(func(err error) {
		reported.Add(1)
	}))

	errRejected := errors.New("rejected")
	r := &fakeRegisterer{registerErr: errRejected}
	c.newRegisterer = func() Registerer { return r }

	c.onTransportState(sipws.TransportStateConnected)
	require.Eventually(t, func() bool { return reported.Load() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.registrations.WithLabelValues("failure")))
}

func TestRegisterReplacedNotReported(t *testing.T) {
	reg := prometheus.NewRegistry()
	var reported atomic.Int32
	c := newTestClient(t, testConfig(), WithMetrics(reg), WithErrorHandler(func(err error) {
		reported.Add(1)
	}))

	// Registerer disposed by next connect while its REGISTER was in flight
	r := &fakeRegisterer{registerErr: fmt.Errorf("register: %w", sipws.ErrRegistererTerminated)}
	c.newRegisterer = func() Registerer { return r }

	c.onTransportState(sipws.TransportStateConnected)
	require.Eventually(t, func() bool { return r.registerCalls() == 1 }, time.Second, 10*time.Millisecond)

	assert.Never(t, func() bool { return reported.Load() > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(c.metrics.registrations.WithLabelValues("failure")))
	assert.Zero(t, testutil.ToFloat64(c.metrics.registrations.WithLabelValues("success")))
}

func TestStopWithoutRegistration(t *testing.T) {
	c := newTestClient(t, testConfig())
	r := &fakeRegisterer{state: sipws.RegistererStateRegistering}
	c.registerer = r

	require.NoError(t, c.Stop(context.Background()))
	assert.Zero(t, r.unregisters)
	assert.True(t, r.isDisposed())
	assert.Equal(t, sipws.UserAgentStateStopped, c.UserAgent().State())

	// Without any registerer
	c2 := newTestClient(t, testConfig())
	require.NoError(t, c2.Stop(context.Background()))
	assert.Equal(t, sipws.UserAgentStateStopped, c2.UserAgent().State())
}

func TestStopRegisteredUnregisters(t *testing.T) {
	c := newTestClient(t, testConfig())
	r := &fakeRegisterer{state: sipws.RegistererStateRegistered}
	c.registerer = r

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 1, r.unregisters)
	assert.False(t, r.isDisposed())
}

func TestObserverUnsubscribe(t *testing.T) {
	c := newTestClient(t, testConfig())

	var got []string
	unsubscribe := c.Subscribe(ObserverFuncs{
		Track: func(track *webrtc.TrackRemote) { got = append(got, "first") },
	})
	c.Subscribe(ObserverFuncs{
		Track: func(track *webrtc.TrackRemote) { got = append(got, "second") },
	})

	c.observers.emitTrack(nil)
	unsubscribe()
	c.observers.emitTrack(nil)
	assert.Equal(t, []string{"first", "second", "second"}, got)
}

func TestPhoneClientCall(t *testing.T) {
	gw := sipwstest.NewGateway(t)
	srv := sipwstest.NewServer(t, sipwstest.ServerOptions{
		Auth:     &sipwstest.DigestAuth{Username: "acct-1001", Password: "secret", Realm: "test"},
		OnInvite: gw.OnInvite,
	})

	tracks := make(chan *webrtc.TrackRemote, 4)
	senders := make(chan *webrtc.RTPSender, 4)
	var errs []error
	var errsMu sync.Mutex

	cfg := Config{
		Username:   "1001",
		Login:      "acct-1001",
		Password:   "secret",
		SIPServer:  srv.Host(),
		WSServer:   srv.WebsocketURL(),
		ICEServers: []webrtc.ICEServer{},
	}
	c, err := New(cfg,
		WithMediaDevices(&fakeDevices{}),
		WithObserver(ObserverFuncs{
			Track:  func(track *webrtc.TrackRemote) { tracks <- track },
			Sender: func(sender *webrtc.RTPSender) { senders <- sender },
		}),
		WithErrorHandler(func(err error) {
			errsMu.Lock()
			errs = append(errs, err)
			errsMu.Unlock()
		}),
	)
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		r := c.Registerer()
		return r != nil && r.State() == sipws.RegistererStateRegistered
	}, 2*time.Second, 10*time.Millisecond)

	inv, err := c.MakeInviter("2000")
	require.NoError(t, err)
	require.NoError(t, inv.Invite(context.Background()))
	assert.Equal(t, sipws.InviterStateEstablished, inv.State())

	select {
	case track := <-tracks:
		require.NotNil(t, track)
		assert.Equal(t, webrtc.RTPCodecTypeAudio, track.Kind())
	case <-time.After(3 * time.Second):
		t.Fatal("no remote track")
	}
	select {
	case sender := <-senders:
		require.NotNil(t, sender)
	case <-time.After(time.Second):
		t.Fatal("no sender")
	}

	require.NoError(t, inv.Bye(context.Background()))

	errsMu.Lock()
	assert.Empty(t, errs)
	errsMu.Unlock()

	// Challenged and authorized REGISTER, then unregister sent before transport closes
	require.Len(t, srv.Requests(sip.REGISTER), 2)
	require.NoError(t, c.Stop(context.Background()))
	regs, err := srv.WaitRequests(sip.REGISTER, 3, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "0", regs[2].GetHeader("Expires").Value())
	assert.Equal(t, sipws.UserAgentStateStopped, c.UserAgent().State())
}
