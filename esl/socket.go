package esl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// knownContentTypes is consulted by the dispatch loop to decide whether an
// unrecognized Content-Type should be treated as a protocol violation.
var knownContentTypes = []string{
	ContentTypeAuthRequest,
	ContentTypeCommandReply,
	ContentTypeApiResponse,
	ContentTypeTextEventPlain,
	ContentTypeTextEventJSON,
	ContentTypeTextEventXML,
	ContentTypeTextDisconnectNotice,
	ContentTypeTextRudeRejection,
	ContentTypeLogData,
}

// ExecuteResult is what ExecuteApp resolves with. Reply (the ack
// command/reply) is always set; Complete is set only in sync mode.
type ExecuteResult struct {
	Reply    *CommandReply
	Complete *EventMessage
}

// EventSocket owns the TCP connection, drives the Parser, serializes
// writes, maintains the command/api/bgapi correlation tables, and
// publishes events. It is the shared core both InboundSocket and
// OutboundSocket build on.
type EventSocket struct {
	conn   net.Conn
	parser *Parser

	writeMu sync.Mutex

	cmdWaiters *waiterQueue
	apiWaiters *waiterQueue

	jobsMu sync.Mutex
	jobs   map[string]chan *BackgroundJobResult

	broadcaster *eventBroadcaster

	logger *slog.Logger

	fatalOnce sync.Once
	fatalCh   chan struct{}
	fatalErr  error
	fatalMu   sync.Mutex

	logFrames bool
	logBrief  bool

	// responseTimeout and commandTimeout are Config's fallback deadlines,
	// applied only when the caller's ctx carries none of its own.
	responseTimeout time.Duration
	commandTimeout  time.Duration
}

func newEventSocket(conn net.Conn, logger *slog.Logger) *EventSocket {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	s := &EventSocket{
		conn:        conn,
		parser:      NewParser(bufio.NewReaderSize(conn, 1024<<6)),
		cmdWaiters:  newWaiterQueue(),
		apiWaiters:  newWaiterQueue(),
		jobs:        map[string]chan *BackgroundJobResult{},
		broadcaster: newEventBroadcaster(),
		logger:      logger,
		fatalCh:     make(chan struct{}),
	}
	return s
}

// EnableFrameLogging turns on per-frame debug logging, in either the
// teacher's "full" or "brief" rendering.
func (s *EventSocket) EnableFrameLogging(brief bool) {
	s.logFrames = true
	s.logBrief = brief
}

// run is the parser loop: it owns the only reader of the connection and
// must run in its own goroutine for the lifetime of the socket. It does
// nothing but block on ReadFrame and dispatch what comes back.
func (s *EventSocket) run() {
	for {
		f, err := s.parser.ReadFrame()
		if err != nil {
			s.fatalize(&ConnectionError{Err: err})
			return
		}
		if s.logFrames {
			if s.logBrief {
				s.logger.Debug("frame", "brief", f.StringBrief())
			} else {
				s.logger.Debug("frame", "full", f.String())
			}
		}
		if err := s.dispatch(f); err != nil {
			s.fatalize(err)
			return
		}
	}
}

func (s *EventSocket) dispatch(f *Frame) error {
	ct := f.ContentType()
	switch ct {
	case ContentTypeCommandReply:
		s.cmdWaiters.completeHead(f)
		return nil
	case ContentTypeApiResponse:
		s.apiWaiters.completeHead(f)
		return nil
	case ContentTypeAuthRequest:
		// An auth/request completes the command FIFO's head: DialInbound
		// queues a waiter for it before starting this loop, and
		// InboundSocket.Authenticate awaits that waiter. Once the handshake
		// completes no more auth/request frames should arrive, so routing it
		// through the command FIFO is harmless.
		s.cmdWaiters.completeHead(f)
		return nil
	case ContentTypeTextDisconnectNotice:
		return &ConnectionError{Err: fmt.Errorf("disconnected: %s", string(f.Body))}
	case ContentTypeTextRudeRejection:
		return &ConnectionError{Err: fmt.Errorf("rude rejection: %s", string(f.Body))}
	case ContentTypeTextEventPlain, ContentTypeTextEventJSON, ContentTypeTextEventXML:
		ev, err := frameToEventMessage(f)
		if err != nil {
			return err
		}
		s.routeEvent(ev)
		return nil
	case ContentTypeLogData:
		return nil
	default:
		if !slices.Contains(knownContentTypes, ct) {
			return &ProtocolError{Reason: "unrecognized Content-Type: " + ct}
		}
		return nil
	}
}

// routeEvent completes a pending bgapi waiter when the event is a
// BACKGROUND_JOB result for a known Job-UUID, and always publishes the
// event to the broadcaster afterward so Channels and other consumers see
// every event regardless of whether it also satisfied a bgapi wait.
func (s *EventSocket) routeEvent(ev *EventMessage) {
	if ev.EventName() == EventBackgroundJob {
		jobUUID := ev.GetHeader(HeaderJobUUID)
		s.jobsMu.Lock()
		ch, ok := s.jobs[jobUUID]
		if ok {
			delete(s.jobs, jobUUID)
		}
		s.jobsMu.Unlock()
		if ok {
			ch <- newBackgroundJobResult(jobUUID, ev)
		}
	}
	s.broadcaster.publish(ev)
}

func (s *EventSocket) fatalize(err error) {
	s.fatalOnce.Do(func() {
		s.fatalMu.Lock()
		s.fatalErr = err
		s.fatalMu.Unlock()
		close(s.fatalCh)
		s.cmdWaiters.failAll()
		s.apiWaiters.failAll()
		s.broadcaster.closeAll()
		s.jobsMu.Lock()
		s.jobs = map[string]chan *BackgroundJobResult{}
		s.jobsMu.Unlock()
		s.logger.Error("esl connection fatal", "error", err)
		_ = s.conn.Close()
	})
}

func (s *EventSocket) Err() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatalErr
}

// PendingJobs returns the Job-UUIDs currently awaiting a BACKGROUND_JOB
// event, for diagnostics/metrics.
func (s *EventSocket) PendingJobs() []string {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return maps.Keys(s.jobs)
}

// ctxWithDefaultTimeout returns ctx unchanged if it already carries a
// deadline or d is zero; otherwise it wraps ctx with a deadline d from
// now, so a caller that never sets one still gets Config's fallback
// instead of blocking forever.
func ctxWithDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// writeRaw serializes a single command onto the wire under the writer
// lock. cmd must not itself contain the blank-line terminator; writeRaw
// appends it. The enqueue of the corresponding waiter happens while
// still holding this lock so no other command can be interleaved
// between a write and its waiter's registration. The write itself is
// bounded by Config.CommandTimeout via the connection's write deadline,
// not by a context — writeRaw has no ctx of its own to cancel on.
func (s *EventSocket) writeRaw(cmd string, waiters *waiterQueue) (*waiter, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.fatalCh:
		return nil, &ConnectionError{Err: s.Err()}
	default:
	}
	if s.commandTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.commandTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	w := waiters.push()
	if _, err := io.WriteString(s.conn, cmd+"\n\n"); err != nil {
		w.tombstone = true
		return nil, &ConnectionError{Err: err}
	}
	return w, nil
}

func (s *EventSocket) awaitWaiter(ctx context.Context, waiters *waiterQueue, w *waiter, op string) (*Frame, error) {
	ctx, cancel := ctxWithDefaultTimeout(ctx, s.responseTimeout)
	defer cancel()
	select {
	case f, ok := <-w.ch:
		if !ok {
			return nil, &ConnectionError{Err: s.Err()}
		}
		return f, nil
	case <-s.fatalCh:
		return nil, &ConnectionError{Err: s.Err()}
	case <-ctx.Done():
		waiters.tombstoneOrDrop(w)
		return nil, &TimeoutError{Op: op}
	}
}

// SendCommand issues an arbitrary ESL command line and returns the next
// command/reply frame as a CommandReply.
func (s *EventSocket) SendCommand(ctx context.Context, text string) (*CommandReply, error) {
	w, err := s.writeRaw(text, s.cmdWaiters)
	if err != nil {
		return nil, err
	}
	f, err := s.awaitWaiter(ctx, s.cmdWaiters, w, "send_command")
	if err != nil {
		return nil, err
	}
	return newCommandReply(f), nil
}

// SendAPI issues a synchronous `api` command and returns its ApiResponse.
func (s *EventSocket) SendAPI(ctx context.Context, cmd string) (*ApiResponse, error) {
	w, err := s.writeRaw("api "+cmd, s.apiWaiters)
	if err != nil {
		return nil, err
	}
	f, err := s.awaitWaiter(ctx, s.apiWaiters, w, "send_api")
	if err != nil {
		return nil, err
	}
	return newAPIResponse(f), nil
}

// BgAPI issues a `bgapi` command and blocks until the corresponding
// BACKGROUND_JOB event arrives or ctx is done. The command always carries
// a Job-UUID header: jobUUID when non-empty, otherwise one BgAPI mints
// itself. If the command/reply names a different Job-UUID, the result is
// correlated on the reply's value instead.
func (s *EventSocket) BgAPI(ctx context.Context, cmd, arg, jobUUID string) (*BackgroundJobResult, error) {
	if jobUUID == "" {
		jobUUID = uuid.New().String()
	}
	resultCh := make(chan *BackgroundJobResult, 1)
	s.jobsMu.Lock()
	s.jobs[jobUUID] = resultCh
	s.jobsMu.Unlock()

	line := "bgapi " + cmd
	if arg != "" {
		line += " " + arg
	}
	line += "\nJob-UUID: " + jobUUID

	// Watch the event stream from before the command is sent: the parser
	// may dispatch the BACKGROUND_JOB right behind the command/reply, before
	// the map below is re-keyed to the server's Job-UUID.
	sub := s.broadcaster.subscribe(func(ev *EventMessage) bool { return ev.EventName() == EventBackgroundJob })
	defer s.broadcaster.unsubscribe(sub)

	reply, err := s.SendCommand(ctx, line)
	if err != nil {
		s.dropJobWaiter(jobUUID)
		return nil, err
	}
	if !reply.Success {
		s.dropJobWaiter(jobUUID)
		return nil, reply.asError()
	}
	if serverUUID := reply.Header(HeaderJobUUID); serverUUID != "" && serverUUID != jobUUID {
		s.dropJobWaiter(jobUUID)
		jobUUID = serverUUID
		s.jobsMu.Lock()
		s.jobs[jobUUID] = resultCh
		s.jobsMu.Unlock()
	}

	for {
		select {
		case result := <-resultCh:
			return result, nil
		case ev := <-sub.ch:
			if ev.GetHeader(HeaderJobUUID) == jobUUID {
				s.dropJobWaiter(jobUUID)
				return newBackgroundJobResult(jobUUID, ev), nil
			}
		case <-s.fatalCh:
			s.dropJobWaiter(jobUUID)
			return nil, ErrJobNeverArrived
		case <-ctx.Done():
			s.dropJobWaiter(jobUUID)
			return nil, &TimeoutError{Op: "bg_api"}
		}
	}
}

func (s *EventSocket) dropJobWaiter(jobUUID string) {
	s.jobsMu.Lock()
	delete(s.jobs, jobUUID)
	s.jobsMu.Unlock()
}

// ExecuteApp issues a sendmsg execute against uuid. When async is
// false it resolves with the CHANNEL_EXECUTE_COMPLETE event correlated by
// Application-UUID; when true it resolves with the ack command/reply.
func (s *EventSocket) ExecuteApp(ctx context.Context, uuid_, app, arg string, eventLock, async bool) (*ExecuteResult, error) {
	appUUID := uuid.New().String()

	var sub *eventSubscription
	if !async {
		sub = s.broadcaster.subscribe(func(ev *EventMessage) bool {
			return ev.EventName() == EventChannelExecuteComplete &&
				ev.UUID() == uuid_ &&
				ev.GetHeader(HeaderApplication) == app &&
				ev.GetHeader(HeaderApplicationUUID) == appUUID
		})
		defer s.broadcaster.unsubscribe(sub)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "sendmsg %s\ncall-command: execute\nexecute-app-name: %s\n", uuid_, app)
	if arg != "" {
		fmt.Fprintf(&b, "execute-app-arg: %s\n", arg)
	}
	fmt.Fprintf(&b, "event-lock: %s\n", strconv.FormatBool(eventLock))
	fmt.Fprintf(&b, "Event-UUID: %s", appUUID)
	if async {
		b.WriteString("\nasync: true")
	}

	w, err := s.writeRaw(b.String(), s.cmdWaiters)
	if err != nil {
		return nil, err
	}
	f, err := s.awaitWaiter(ctx, s.cmdWaiters, w, "execute_app")
	if err != nil {
		return nil, err
	}
	reply := newCommandReply(f)
	if !reply.Success {
		return nil, reply.asError()
	}
	if async {
		return &ExecuteResult{Reply: reply}, nil
	}

	select {
	case ev := <-sub.ch:
		return &ExecuteResult{Reply: reply, Complete: ev}, nil
	case <-sub.done:
		return nil, &ConnectionError{Err: s.Err()}
	case <-ctx.Done():
		return nil, &TimeoutError{Op: "execute_app"}
	}
}

// SubscribeEvents issues `event <format> <names...>`. format is
// typically "plain", "json" or "xml".
func (s *EventSocket) SubscribeEvents(ctx context.Context, format string, names ...string) (*CommandReply, error) {
	cmd := "event " + format + " " + strings.Join(names, " ")
	reply, err := s.SendCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return reply, reply.asError()
	}
	return reply, nil
}

// Filter issues `filter <key> <value>`.
func (s *EventSocket) Filter(ctx context.Context, key, value string) (*CommandReply, error) {
	reply, err := s.SendCommand(ctx, fmt.Sprintf("filter %s %s", key, value))
	if err != nil {
		return nil, err
	}
	if !reply.Success {
		return reply, reply.asError()
	}
	return reply, nil
}

// Events returns a lazy, restartable multicast subscription to the event
// stream. filter may be nil to receive every event. The returned
// subscription must be closed by the caller when no longer needed.
func (s *EventSocket) Events(filter func(*EventMessage) bool) *EventSubscription {
	sub := s.broadcaster.subscribe(filter)
	return &EventSubscription{sub: sub, socket: s}
}

// EventSubscription is a caller's handle on one slice of the event
// broadcaster.
type EventSubscription struct {
	sub    *eventSubscription
	socket *EventSocket

	closeOnce sync.Once
}

// C returns the channel events are delivered on. It is never closed; it
// simply stops delivering once the subscription ends, so watch Done too.
func (es *EventSubscription) C() <-chan *EventMessage { return es.sub.ch }

// Done is closed when the subscription has ended: on Close, when the
// subscriber falls behind (slow-consumer disconnect), or when the socket
// dies.
func (es *EventSubscription) Done() <-chan struct{} { return es.sub.done }

// Close ends the subscription. Idempotent.
func (es *EventSubscription) Close() {
	es.closeOnce.Do(func() {
		es.socket.broadcaster.unsubscribe(es.sub)
	})
}

// Exit sends `exit`, awaits its reply, then closes the connection.
func (s *EventSocket) Exit(ctx context.Context) error {
	reply, err := s.SendCommand(ctx, "exit")
	if err != nil && !errors.As(err, new(*ConnectionError)) {
		return err
	}
	if reply != nil && !reply.Success {
		s.logger.Debug("exit replied with error", "reply", reply.ReplyText)
	}
	return s.Close()
}

// Close tears the connection down immediately, failing every pending
// waiter and terminating every event subscription.
func (s *EventSocket) Close() error {
	s.fatalize(&ConnectionError{Err: errors.New("closed by caller")})
	return nil
}
