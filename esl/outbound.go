package esl

import (
	"context"
	"net"

	"golang.org/x/exp/slog"
)

// OutboundSocket is an EventSocket accepted from FreeSwitch (mod_event_socket
// originating a session to a listening application) after its connect
// handshake. ChannelData carries the originating channel's
// variables, parsed from the connect reply.
type OutboundSocket struct {
	*EventSocket
	ChannelData *EventMessage
}

// acceptOutbound performs the outbound handshake over an already-accepted
// connection: send `connect`, parse the reply as the initiating channel's
// CHANNEL_DATA event, then `myevents` to scope this connection to that one
// call.
func acceptOutbound(ctx context.Context, conn net.Conn, cfg Config, logger *slog.Logger) (*OutboundSocket, error) {
	s := newEventSocket(conn, logger)
	s.responseTimeout = cfg.responseTimeout()
	s.commandTimeout = cfg.commandTimeout()
	go s.run()

	reply, err := s.SendCommand(ctx, "connect")
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		s.Close()
		return nil, reply.asError()
	}

	// The connect reply's headers ARE the CHANNEL_DATA event: build a
	// synthetic event-plain frame out of them so OutboundSocket.ChannelData
	// is a regular EventMessage like everything else in the core.
	dataFrame := &Frame{Headers: map[string]string{}}
	for k, v := range reply.Headers {
		dataFrame.Headers[k] = v
	}
	if dataFrame.Headers[HeaderEventName] == "" {
		dataFrame.Headers[HeaderEventName] = EventChannelData
	}
	channelData := newEventMessage(dataFrame)

	if _, err := s.MyEvents(ctx, ""); err != nil {
		s.Close()
		return nil, err
	}

	return &OutboundSocket{EventSocket: s, ChannelData: channelData}, nil
}

// OutboundHandleFunc is called with a freshly connected OutboundSocket for
// each call FreeSwitch originates to the listener.
type OutboundHandleFunc func(*OutboundSocket)

// OutboundServer listens for FreeSwitch-originated connections and hands
// each one, after completing its connect handshake, to Handler in its own
// goroutine, mirroring the teacher's ESLServer.
type OutboundServer struct {
	Addr    string
	Handler OutboundHandleFunc
	Logger  *slog.Logger
	// Config supplies the per-call default timeouts (ResponseTimeout,
	// CommandTimeout) applied to every accepted OutboundSocket. Host,
	// Port and Password are meaningless here and ignored.
	Config Config
}

// ListenAndServe runs the accept loop until the listener errors (e.g. the
// caller closes it by cancelling ctx's underlying listener, or the process
// exits). It blocks.
func (srv *OutboundServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	defer ln.Close()

	logger := srv.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbound esl server listening", "addr", srv.Addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return &ConnectionError{Err: err}
			}
		}
		go func() {
			out, err := acceptOutbound(ctx, conn, srv.Config, logger)
			if err != nil {
				logger.Error("outbound handshake failed", "error", err, "remote", conn.RemoteAddr())
				conn.Close()
				return
			}
			srv.Handler(out)
		}()
	}
}
