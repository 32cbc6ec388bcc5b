package esl

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/exp/slog"
)

// InboundSocket is an EventSocket that connected out to FreeSwitch and
// authenticated. It adds nothing to EventSocket's wire protocol
// beyond the handshake; all call-control happens through the embedded
// EventSocket.
type InboundSocket struct {
	*EventSocket
	cfg        Config
	authWaiter *waiter
}

// DialInbound connects to cfg.Host:cfg.Port and starts the parser loop,
// without authenticating yet — callers that want to inspect the
// auth/request frame before replying should use this plus Authenticate.
// Most callers want ConnectInbound instead.
func DialInbound(ctx context.Context, cfg Config, logger *slog.Logger) (*InboundSocket, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	s := newEventSocket(conn, logger)
	s.responseTimeout = cfg.responseTimeout()
	s.commandTimeout = cfg.commandTimeout()
	// Push a waiter for the auth/request frame before the parser loop
	// starts, so there is no race between the server's unsolicited first
	// frame and Authenticate registering interest in it.
	authWaiter := s.cmdWaiters.push()
	go s.run()
	return &InboundSocket{EventSocket: s, cfg: cfg, authWaiter: authWaiter}, nil
}

// Authenticate performs the inbound auth handshake: it awaits the
// initial auth/request frame, replies with `auth <password>`, and expects
// +OK accepted. Until this succeeds, other operations on the socket wait
// on FIFOs that nothing is completing, since FreeSwitch won't answer
// further commands pre-auth, until their ctx deadline or the
// Config.ResponseTimeout fallback expires; callers should treat a
// still-pending Authenticate as an auth-pending condition.
func (in *InboundSocket) Authenticate(ctx context.Context) error {
	f, err := in.awaitWaiter(ctx, in.cmdWaiters, in.authWaiter, "auth_request")
	if err != nil {
		return err
	}
	if f.ContentType() != ContentTypeAuthRequest {
		return &ProtocolError{Reason: "expected auth/request, got " + f.ContentType()}
	}

	reply, err := in.SendCommand(ctx, "auth "+in.cfg.Password)
	if err != nil {
		return err
	}
	if reply.ReplyText != "+OK accepted" {
		in.Close()
		return &AuthError{ReplyText: reply.ReplyText}
	}
	return nil
}

// ConnectInbound is the common-case convenience: dial, then authenticate,
// in one call (mirrors fiorix-go-eventsocket's Dial, collapsing the
// teacher's separate Connect()/Authenticate() steps).
func ConnectInbound(ctx context.Context, cfg Config, logger *slog.Logger) (*InboundSocket, error) {
	in, err := DialInbound(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := in.Authenticate(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

// MyEvents subscribes this connection to a single channel's own events
// via `myevents [<uuid>]`, used by both inbound callers that want to
// watch one call and by the outbound handshake.
func (s *EventSocket) MyEvents(ctx context.Context, uuid string) (*CommandReply, error) {
	cmd := "myevents"
	if uuid != "" {
		cmd = fmt.Sprintf("myevents %s", uuid)
	}
	reply, err := s.SendCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return reply, reply.asError()
	}
	return reply, nil
}

// Linger tells FreeSwitch to hold the outbound socket open through the
// last channel event instead of closing it the moment the call ends.
func (s *EventSocket) Linger(ctx context.Context) (*CommandReply, error) {
	return s.SendCommand(ctx, "linger")
}

// DivertEvents toggles whether events normally handled by dialplan are
// instead diverted to this socket.
func (s *EventSocket) DivertEvents(ctx context.Context, on bool) (*CommandReply, error) {
	v := "off"
	if on {
		v = "on"
	}
	return s.SendCommand(ctx, "divert_events "+v)
}

// NoEvents cancels all event subscriptions on this connection.
func (s *EventSocket) NoEvents(ctx context.Context) (*CommandReply, error) {
	return s.SendCommand(ctx, "noevents")
}
