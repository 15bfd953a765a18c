// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package sipws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/webphone/mediastream"
	"github.com/emiago/webphone/sdh"
	"github.com/emiago/webphone/sipws/sipwstest"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentSDHFactory() sdh.Factory {
	return sdh.NewFactory(func(ctx context.Context, c mediastream.Constraints, h *sdh.Handler) (*mediastream.Stream, error) {
		return mediastream.NewSilentStream()
	}, sdh.Config{ICEServers: []webrtc.ICEServer{}})
}

func audioOnly() InviterOptions {
	return InviterOptions{
		SessionDescriptionHandlerOptions: sdh.Options{
			Constraints: mediastream.Constraints{Audio: true},
		},
	}
}

func startedUserAgent(t *testing.T, srv *sipwstest.Server, opts UserAgentOptions) *UserAgent {
	t.Helper()
	if opts.SessionDescriptionHandlerFactory == nil {
		opts.SessionDescriptionHandlerFactory = silentSDHFactory()
	}
	ua := newTestUserAgent(t, srv, opts)
	require.NoError(t, ua.Start(context.Background()))
	return ua
}

func targetURI(t *testing.T, srv *sipwstest.Server, user string) sip.Uri {
	uri, err := MakeURI("sip:" + user + "@" + srv.Host())
	require.NoError(t, err)
	return uri
}

func TestInviterDeclined(t *testing.T) {
	srv := sipwstest.NewServer(t, sipwstest.ServerOptions{})
	ua := startedUserAgent(t, srv, UserAgentOptions{})

	inv := NewInviter(ua, targetURI(t, srv, "1000"), audioOnly())
	assert.Equal(t, InviterStateInitial, inv.State())

	err := inv.Invite(context.Background())
	var resErr *ResponseError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, 603, resErr.StatusCode())

	assert.Equal(t, InviterStateTerminated, inv.State())
	select {
	case <-inv.Context().Done():
	default:
		t.Fatal("inviter context must be done")
	}

	// Failed INVITE is acknowledged
	acks, err := srv.WaitRequests(sip.ACK, 1, time.Second)
	require.NoError(t, err)
	ack := acks[0]
	assert.Equal(t, inv.CallID(), ack.CallID().Value())

	invites := srv.Requests(sip.INVITE)
	require.Len(t, invites, 1)
	inviteTag, _ := invites[0].From().Params.Get("tag")
	ackFromTag, _ := ack.From().Params.Get("tag")
	assert.NotEmpty(t, inviteTag)
	assert.Equal(t, inviteTag, ackFromTag)

	// To tag is taken from the final response
	ackToTag, ok := ack.To().Params.Get("tag")
	require.True(t, ok)
	assert.NotEmpty(t, ackToTag)
	assert.Equal(t, invites[0].CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, sip.ACK, ack.CSeq().MethodName)
}

func TestInviterEstablished(t *testing.T) {
	gw := sipwstest.NewGateway(t)
	srv := sipwstest.NewServer(t, sipwstest.ServerOptions{
		Auth:     &sipwstest.DigestAuth{Username: "alice", Password: "secret", Realm: "test"},
		OnInvite: gw.OnInvite,
	})
	ua := startedUserAgent(t, srv, UserAgentOptions{
		AuthorizationUsername: "alice",
		AuthorizationPassword: "secret",
	})

	var progress []int
	opts := audioOnly()
	opts.OnProgress = func(res *sip.Response) {
		progress = append(progress, int(res.StatusCode))
	}

	inv := NewInviter(ua, targetURI(t, srv, "1000"), opts)
	states := newStateRecorder[InviterState]()
	inv.OnStateChange(states.record)

	require.NoError(t, inv.Invite(context.Background()))
	assert.Equal(t, InviterStateEstablished, inv.State())
	assert.Equal(t, []int{100, 180}, progress)
	assert.Equal(t, []InviterState{InviterStateEstablishing, InviterStateEstablished}, states.all())
	assert.Equal(t, "1000", inv.Target().User)

	invites := srv.Requests(sip.INVITE)
	require.Len(t, invites, 2, "challenged and authorized INVITE")
	assert.Equal(t, sdh.ContentTypeSDP, invites[1].GetHeader("Content-Type").Value())
	assert.NotEmpty(t, invites[1].Body())

	h := inv.SessionDescriptionHandler()
	require.NotNil(t, h)
	assert.NotNil(t, h.PeerConnection().RemoteDescription())

	require.NoError(t, inv.Bye(context.Background()))
	assert.Equal(t, InviterStateTerminated, inv.State())
	byes := srv.Requests(sip.BYE)
	require.Len(t, byes, 1)
	assert.Equal(t, inv.CallID(), byes[0].CallID().Value())
	assert.Equal(t, webrtc.PeerConnectionStateClosed, h.PeerConnection().ConnectionState())
}

func TestInviterRemoteBye(t *testing.T) {
	gw := sipwstest.NewGateway(t)
	srv := sipwstest.NewServer(t, sipwstest.ServerOptions{OnInvite: gw.OnInvite})
	ua := startedUserAgent(t, srv, UserAgentOptions{})

	inv := NewInviter(ua, targetURI(t, srv, "1000"), audioOnly())
	require.NoError(t, inv.Invite(context.Background()))

	require.NoError(t, srv.Bye(inv.CallID()))
	select {
	case <-inv.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("call not terminated by remote BYE")
	}
	assert.Equal(t, InviterStateTerminated, inv.State())
}

func TestInviterCancel(t *testing.T) {
	srv := sipwstest.NewServer(t, sipwstest.ServerOptions{
		OnInvite: func(req *sip.Request) sipwstest.InviteAnswer {
			return sipwstest.InviteAnswer{Code: 200, Provisional: []int{180}, Delay: 3 * time.Second}
		},
	})
	ua := startedUserAgent(t, srv, UserAgentOptions{})

	ringing := make(chan struct{}, 1)
	opts := audioOnly()
	opts.OnProgress = func(res *sip.Response) {
		if res.StatusCode == 180 {
			ringing <- struct{}{}
		}
	}
	inv := NewInviter(ua, targetURI(t, srv, "1000"), opts)

	errCh := make(chan error, 1)
	go func() { errCh <- inv.Invite(context.Background()) }()

	select {
	case <-ringing:
	case <-time.After(2 * time.Second):
		t.Fatal("no ringing")
	}
	require.NoError(t, inv.Hangup(context.Background()))

	err := <-errCh
	var resErr *ResponseError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, 487, resErr.StatusCode())
	assert.Equal(t, InviterStateTerminated, inv.State())

	invites := srv.Requests(sip.INVITE)
	cancels := srv.Requests(sip.CANCEL)
	require.Len(t, invites, 1)
	require.Len(t, cancels, 1)
	invite, cancel := invites[0], cancels[0]

	inviteTag, _ := invite.From().Params.Get("tag")
	cancelTag, _ := cancel.From().Params.Get("tag")
	assert.NotEmpty(t, inviteTag)
	assert.Equal(t, inviteTag, cancelTag)
	_, hasToTag := cancel.To().Params.Get("tag")
	assert.False(t, hasToTag)
	inviteBranch, _ := invite.Via().Params.Get("branch")
	cancelBranch, _ := cancel.Via().Params.Get("branch")
	assert.Equal(t, inviteBranch, cancelBranch)
	assert.Equal(t, invite.CSeq().SeqNo, cancel.CSeq().SeqNo)
	assert.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
}

func TestInviterFactoryError(t *testing.T) {
	srv := sipwstest.NewServer(t, sipwstest.ServerOptions{})
	errNoMedia := errors.New("no media")
	ua := startedUserAgent(t, srv, UserAgentOptions{
		SessionDescriptionHandlerFactory: sdh.NewFactory(func(ctx context.Context, c mediastream.Constraints, h *sdh.Handler) (*mediastream.Stream, error) {
			return nil, errNoMedia
		}, sdh.Config{ICEServers: []webrtc.ICEServer{}}),
	})

	inv := NewInviter(ua, targetURI(t, srv, "1000"), audioOnly())
	err := inv.Invite(context.Background())
	require.ErrorIs(t, err, errNoMedia)
	assert.Equal(t, InviterStateTerminated, inv.State())
	assert.Empty(t, srv.Requests(sip.INVITE))
}

func TestUserAgentStopHangsUpCalls(t *testing.T) {
	gw := sipwstest.NewGateway(t)
	srv := sipwstest.NewServer(t, sipwstest.ServerOptions{OnInvite: gw.OnInvite})
	ua := startedUserAgent(t, srv, UserAgentOptions{})

	inv := NewInviter(ua, targetURI(t, srv, "1000"), audioOnly())
	require.NoError(t, inv.Invite(context.Background()))

	require.NoError(t, ua.Stop(context.Background()))
	assert.Equal(t, InviterStateTerminated, inv.State())
	assert.Len(t, srv.Requests(sip.BYE), 1)
}
