package esl

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"
)

// feedEvent writes a text/event-plain frame carrying headers onto conn,
// mirroring how FreeSwitch actually delivers events on the wire rather
// than injecting an EventMessage directly.
func feedEvent(t *testing.T, conn interface {
	Write([]byte) (int, error)
}, headers map[string]string) {
	t.Helper()
	var b strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	inner := b.String()
	frame := "Content-Type: text/event-plain\nContent-Length: " + strconv.Itoa(len(inner)) + "\n\n" + inner
	if _, err := conn.Write([]byte(frame)); err != nil {
		t.Fatalf("feedEvent: %v", err)
	}
}

func TestChannelHangupCallbackFiresOnce(t *testing.T) {
	s, server := pipedSocket(t)

	fired := make(chan *EventMessage, 4)
	initial := newEventMessage(&Frame{Headers: map[string]string{
		HeaderUniqueID:     "call-U",
		HeaderEventName:    EventChannelAnswer,
		HeaderAnswerState:  string(AnswerStateAnswered),
		HeaderChannelState: string(ChannelStateExecute),
	}})
	ch := InboundChannel(s, initial, func(ev *EventMessage) { fired <- ev })

	feedEvent(t, server, map[string]string{
		HeaderUniqueID:  "call-U",
		HeaderEventName: EventChannelHangup,
	})
	// Duplicate hangup for the same UUID must not fire the callback again.
	feedEvent(t, server, map[string]string{
		HeaderUniqueID:  "call-U",
		HeaderEventName: EventChannelHangup,
	})

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("hangup_callback never fired")
	}
	select {
	case <-fired:
		t.Fatal("hangup_callback fired more than once")
	case <-time.After(150 * time.Millisecond):
	}
	if !ch.IsDisposed() {
		t.Fatal("channel should be disposed after hangup")
	}
}

func TestChannelLastEventAdvances(t *testing.T) {
	s, server := pipedSocket(t)

	initial := newEventMessage(&Frame{Headers: map[string]string{
		HeaderUniqueID:  "call-V",
		HeaderEventName: EventChannelPark,
	}})
	ch := InboundChannel(s, initial, nil)

	feedEvent(t, server, map[string]string{
		HeaderUniqueID:     "call-V",
		HeaderEventName:    EventChannelAnswer,
		HeaderAnswerState:  string(AnswerStateAnswered),
		HeaderChannelState: string(ChannelStateExecute),
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.IsAnswered() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("last_event never advanced to the answered event")
}

func TestChannelIgnoresOtherUUIDs(t *testing.T) {
	s, server := pipedSocket(t)

	initial := newEventMessage(&Frame{Headers: map[string]string{
		HeaderUniqueID:  "call-W",
		HeaderEventName: EventChannelPark,
	}})
	ch := InboundChannel(s, initial, nil)

	feedEvent(t, server, map[string]string{
		HeaderUniqueID:    "some-other-call",
		HeaderEventName:   EventChannelAnswer,
		HeaderAnswerState: string(AnswerStateAnswered),
	})

	time.Sleep(100 * time.Millisecond)
	if ch.IsAnswered() {
		t.Fatal("channel must not react to another call's events")
	}
}

func TestChannelHangupNoOpWhenNotAnswered(t *testing.T) {
	s, _ := pipedSocket(t)

	initial := newEventMessage(&Frame{Headers: map[string]string{
		HeaderUniqueID:  "call-X",
		HeaderEventName: EventChannelPark,
	}})
	ch := InboundChannel(s, initial, nil)

	resp, err := ch.Hangup(context.Background(), HangupCauseNormalClearing)
	if err != nil {
		t.Fatalf("Hangup should no-op without error, got: %v", err)
	}
	if resp != nil {
		t.Fatalf("Hangup should resolve immediately with no response, got: %+v", resp)
	}
}
