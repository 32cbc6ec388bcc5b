package esl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slog"
)

// HangupCallback is invoked exactly once, with the terminal CHANNEL_HANGUP
// event, when a Channel disposes itself.
type HangupCallback func(*EventMessage)

// BasicChannel is the per-call aggregate both inbound and outbound Channels
// share: a UUID, the most recently observed event for it, and the
// subscriptions that keep last_event current and watch for hangup.
// Composition over inheritance per the teacher's style: InboundChannel and
// OutboundChannel below are free functions that build one, not subtypes.
type BasicChannel struct {
	uuid   string
	socket *EventSocket
	logger *slog.Logger

	mu              sync.Mutex
	lastEvent       *EventMessage
	disposed        bool
	hangupCallback  HangupCallback
	hangupDelivered bool

	events    *EventSubscription
	closeOnce sync.Once
	closed    chan struct{}
}

// newBasicChannel wires up the subscription and dispatch loop common to
// every Channel constructor.
func newBasicChannel(socket *EventSocket, initial *EventMessage, onHangup HangupCallback) *BasicChannel {
	c := &BasicChannel{
		uuid:           initial.UUID(),
		socket:         socket,
		logger:         socket.logger,
		lastEvent:      initial,
		hangupCallback: onHangup,
		closed:         make(chan struct{}),
	}
	c.events = socket.Events(func(ev *EventMessage) bool { return ev.UUID() == c.uuid })
	go c.watch()
	return c
}

// InboundChannel constructs a Channel around a call the caller already
// knows the UUID of, typically right after issuing an `originate`.
// The initial event is whatever the caller has observed most recently for
// that UUID; if nothing has been observed yet, callers should wait for the
// first event themselves before constructing the channel.
func InboundChannel(socket *EventSocket, initial *EventMessage, onHangup HangupCallback) *BasicChannel {
	return newBasicChannel(socket, initial, onHangup)
}

// OutboundChannel constructs a Channel from an OutboundSocket's initial
// CHANNEL_DATA event.
func OutboundChannel(out *OutboundSocket, onHangup HangupCallback) *BasicChannel {
	return newBasicChannel(out.EventSocket, out.ChannelData, onHangup)
}

// watch is the channel's private dispatch loop: advance last_event with
// every matching event, and dispose-then-callback exactly once on hangup.
func (c *BasicChannel) watch() {
	defer close(c.closed)
	for {
		select {
		case ev, ok := <-c.events.C():
			if !ok {
				return
			}
			c.mu.Lock()
			c.lastEvent = ev
			name := ev.EventName()
			c.mu.Unlock()
			if name == EventChannelAnswer {
				c.logger.Info("channel answered", "uuid", c.uuid)
			}
			if name == EventChannelHangup {
				c.dispose(ev)
				return
			}
		case <-c.events.Done():
			return
		}
	}
}

// dispose marks the channel disposed and fires hangup_callback exactly
// once; safe to call concurrently with itself and with Dispose.
func (c *BasicChannel) dispose(ev *EventMessage) {
	c.mu.Lock()
	already := c.disposed
	c.disposed = true
	fireCallback := !c.hangupDelivered && ev != nil
	if fireCallback {
		c.hangupDelivered = true
	}
	cb := c.hangupCallback
	c.mu.Unlock()

	c.closeOnce.Do(func() { c.events.Close() })
	if !already && fireCallback && cb != nil {
		cb(ev)
	}
}

// Dispose releases the channel's subscriptions early, without a hangup
// event. Idempotent.
func (c *BasicChannel) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { c.events.Close() })
}

// UUID returns the call's immutable Unique-ID.
func (c *BasicChannel) UUID() string { return c.uuid }

// LastEvent returns the most recently observed event for this channel.
func (c *BasicChannel) LastEvent() *EventMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// IsDisposed reports whether the channel has been torn down, by hangup or
// explicit Dispose.
func (c *BasicChannel) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// Done is closed once the channel's dispatch loop has exited, after
// disposal or hangup.
func (c *BasicChannel) Done() <-chan struct{} { return c.closed }

// ChannelState returns last_event's channel state.
func (c *BasicChannel) ChannelState() ChannelState { return c.LastEvent().ChannelState() }

// AnswerState returns last_event's answer state.
func (c *BasicChannel) AnswerState() AnswerState {
	as, _ := c.LastEvent().AnswerState()
	return as
}

// IsAnswered reports whether the channel is fully answered.
func (c *BasicChannel) IsAnswered() bool { return c.AnswerState() == AnswerStateAnswered }

// IsPreAnswered reports whether the channel is in early media.
func (c *BasicChannel) IsPreAnswered() bool { return c.AnswerState() == AnswerStateEarly }

// IsBridged reports whether last_event carries an Other-Leg-Unique-ID.
func (c *BasicChannel) IsBridged() bool {
	return c.LastEvent().GetHeader(HeaderOtherLegUniqueID) != ""
}

// OtherLegUUID returns last_event's Other-Leg-Unique-ID, or "" if not
// bridged.
func (c *BasicChannel) OtherLegUUID() string {
	return c.LastEvent().GetHeader(HeaderOtherLegUniqueID)
}

// DTMF returns a subscription to this channel's DTMF events. The events
// are delivered whole, not projected to digits: each digit is in the
// event's DTMF-Digit header.
func (c *BasicChannel) DTMF() *EventSubscription {
	return c.socket.Events(func(ev *EventMessage) bool {
		return ev.UUID() == c.uuid && ev.EventName() == EventDTMF
	})
}

// FeatureCodes returns a channel of feature-code strings assembled from
// DTMF: consecutive, non-overlapping pairs of digits within a 2-second
// span, each pair emitted when its first digit equals prefix. The returned
// channel is closed when the channel's DTMF subscription ends.
func (c *BasicChannel) FeatureCodes(prefix string) <-chan string {
	out := make(chan string)
	dtmf := c.DTMF()
	go func() {
		defer close(out)
		defer dtmf.Close()

		const window = 2 * time.Second
		var buf []string
		var first time.Time

		for {
			select {
			case ev, ok := <-dtmf.C():
				if !ok {
					return
				}
				digit := ev.GetHeader(HeaderDTMFDigit)
				now := time.Now()
				if len(buf) == 0 {
					first = now
				} else if now.Sub(first) > window {
					buf = nil
					first = now
				}
				buf = append(buf, digit)
				if len(buf) >= 2 {
					if buf[0] == prefix {
						out <- joinDigits(buf)
					}
					buf = nil
				}
			case <-dtmf.Done():
				return
			}
		}
	}()
	return out
}

func joinDigits(digits []string) string {
	s := ""
	for _, d := range digits {
		s += d
	}
	return s
}

// Hangup sends uuid_kill when the channel is answered or pre-answered; a
// no-op otherwise.
func (c *BasicChannel) Hangup(ctx context.Context, cause HangupCause) (*ApiResponse, error) {
	if c.IsDisposed() {
		return nil, ErrDisposed
	}
	if !c.IsAnswered() && !c.IsPreAnswered() {
		return nil, nil
	}
	arg := fmt.Sprintf("%s %s", c.uuid, cause)
	return c.socket.SendAPI(ctx, "uuid_kill "+arg)
}

// PlaybackLeg selects which leg(s) PlayFile targets.
type PlaybackLeg int

const (
	ALeg PlaybackLeg = iota
	BLeg
	BothLegs
)

// PlayFile plays file to the selected leg. No-op if not answered.
// For ALeg it drives the `playback` application; for BLeg/BothLegs it uses
// `displace_session` with the `w`/`r` direction flags FreeSwitch expects,
// issuing both directions concurrently for BothLegs.
func (c *BasicChannel) PlayFile(ctx context.Context, file string, leg PlaybackLeg, mix bool, terminator string) (*ExecuteResult, error) {
	if c.IsDisposed() {
		return nil, ErrDisposed
	}
	if !c.IsAnswered() {
		return nil, nil
	}
	if terminator != "" {
		if _, err := c.SetChannelVariable(ctx, "playback_terminators", terminator); err != nil {
			return nil, err
		}
	}
	if leg == ALeg {
		return c.socket.ExecuteApp(ctx, c.uuid, "playback", file, false, false)
	}

	flags := "w"
	if leg == BLeg {
		flags = "r"
	}
	if mix {
		flags = "m" + flags
	}
	if leg != BothLegs {
		arg := fmt.Sprintf("%s %s", file, flags)
		return c.socket.ExecuteApp(ctx, c.uuid, "displace_session", arg, false, false)
	}

	// BothLegs: issue the w and r directions in parallel and wait for both;
	// return the one that finished first, or the other if the first failed.
	type outcome struct {
		res *ExecuteResult
		err error
	}
	results := make(chan outcome, 2)
	for _, dir := range []string{"w", "r"} {
		dirFlags := dir
		if mix {
			dirFlags = "m" + dir
		}
		go func(flags string) {
			arg := fmt.Sprintf("%s %s", file, flags)
			res, err := c.socket.ExecuteApp(ctx, c.uuid, "displace_session", arg, false, false)
			results <- outcome{res, err}
		}(dirFlags)
	}
	first := <-results
	second := <-results
	if first.err != nil {
		return second.res, second.err
	}
	return first.res, first.err
}

// PlayGetDigitsOptions are the play_and_get_digits application's arguments,
// in FreeSwitch's positional order.
type PlayGetDigitsOptions struct {
	MinDigits    int
	MaxDigits    int
	MaxTries     int
	TimeoutMs    int
	Terminators  string
	PromptFile   string
	BadInputFile string
	VarName      string
	DigitRegex   string
	DigitTimeout int
}

// PlayGetDigits runs play_and_get_digits and returns the digits collected,
// read back from the channel variable it stores into. Empty if not
// answered.
func (c *BasicChannel) PlayGetDigits(ctx context.Context, opts PlayGetDigitsOptions) (string, error) {
	if c.IsDisposed() {
		return "", ErrDisposed
	}
	if !c.IsAnswered() {
		return "", nil
	}
	varName := opts.VarName
	if varName == "" {
		varName = "play_get_digits_result"
	}
	arg := fmt.Sprintf("%d %d %d %d %s %s %s %s %s %d",
		opts.MinDigits, opts.MaxDigits, opts.MaxTries, opts.TimeoutMs,
		opts.Terminators, opts.PromptFile, opts.BadInputFile, varName, opts.DigitRegex, opts.DigitTimeout)
	if _, err := c.socket.ExecuteApp(ctx, c.uuid, "play_and_get_digits", arg, false, false); err != nil {
		return "", err
	}
	return c.GetChannelVariable(ctx, varName)
}

// ReadResult is what Read resolves with.
type ReadResult struct {
	Digits     string
	Terminator string
}

// ReadOptions are the read application's arguments.
type ReadOptions struct {
	MinDigits   int
	MaxDigits   int
	PromptFile  string
	TimeoutMs   int
	Terminators string
	VarName     string
}

// Read runs the read application and returns the digits and terminator
// collected. Empty result if not answered.
func (c *BasicChannel) Read(ctx context.Context, opts ReadOptions) (ReadResult, error) {
	if c.IsDisposed() {
		return ReadResult{}, ErrDisposed
	}
	if !c.IsAnswered() {
		return ReadResult{}, nil
	}
	varName := opts.VarName
	if varName == "" {
		varName = "read_result"
	}
	arg := fmt.Sprintf("%d %d %s %s %d %s",
		opts.MinDigits, opts.MaxDigits, opts.PromptFile, varName, opts.TimeoutMs, opts.Terminators)
	if _, err := c.socket.ExecuteApp(ctx, c.uuid, "read", arg, false, false); err != nil {
		return ReadResult{}, err
	}
	digits, err := c.GetChannelVariable(ctx, varName)
	if err != nil {
		return ReadResult{}, err
	}
	terminator, err := c.GetChannelVariable(ctx, "read_terminator_used")
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{Digits: digits, Terminator: terminator}, nil
}

// Say executes the say application with the given argument string.
func (c *BasicChannel) Say(ctx context.Context, arg string) (*ExecuteResult, error) {
	if c.IsDisposed() {
		return nil, ErrDisposed
	}
	if !c.IsAnswered() {
		return nil, nil
	}
	return c.socket.ExecuteApp(ctx, c.uuid, "say", arg, false, false)
}

// SetChannelVariable issues uuid_setvar.
func (c *BasicChannel) SetChannelVariable(ctx context.Context, name, value string) (*ApiResponse, error) {
	if c.IsDisposed() {
		return nil, ErrDisposed
	}
	return c.socket.SendAPI(ctx, fmt.Sprintf("uuid_setvar %s %s %s", c.uuid, name, value))
}

// GetChannelVariable issues uuid_getvar and returns its trimmed body text.
func (c *BasicChannel) GetChannelVariable(ctx context.Context, name string) (string, error) {
	if c.IsDisposed() {
		return "", ErrDisposed
	}
	resp, err := c.socket.SendAPI(ctx, fmt.Sprintf("uuid_getvar %s %s", c.uuid, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.BodyText), nil
}

// SendDTMF executes send_dtmf with <digits>@<duration_ms>.
func (c *BasicChannel) SendDTMF(ctx context.Context, digits string, durationMs int) (*ExecuteResult, error) {
	if c.IsDisposed() {
		return nil, ErrDisposed
	}
	if durationMs <= 0 {
		durationMs = 2000
	}
	if !c.IsAnswered() {
		return nil, nil
	}
	arg := fmt.Sprintf("%s@%d", digits, durationMs)
	return c.socket.ExecuteApp(ctx, c.uuid, "send_dtmf", arg, false, false)
}

// StartDetectingInbandDTMF subscribes to DTMF events and starts inband
// detection on this channel.
func (c *BasicChannel) StartDetectingInbandDTMF(ctx context.Context) error {
	if c.IsDisposed() {
		return ErrDisposed
	}
	if _, err := c.socket.SubscribeEvents(ctx, "plain", EventDTMF); err != nil {
		return err
	}
	_, err := c.socket.SendAPI(ctx, "uuid_dtmf_session "+c.uuid+" start")
	return err
}

// StopDetectingInbandDTMF issues the matching stop command.
func (c *BasicChannel) StopDetectingInbandDTMF(ctx context.Context) error {
	if c.IsDisposed() {
		return ErrDisposed
	}
	_, err := c.socket.SendAPI(ctx, "uuid_dtmf_session "+c.uuid+" stop")
	return err
}
