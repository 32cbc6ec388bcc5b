package esl

import (
	"context"
	"testing"
	"time"
)

// bridgedChannel builds a BasicChannel for leg b already bridged to leg a,
// the precondition AttendedTransfer needs to know A.
func bridgedChannel(t *testing.T, s *EventSocket, b, a string) *BasicChannel {
	t.Helper()
	initial := newEventMessage(&Frame{Headers: map[string]string{
		HeaderUniqueID:         b,
		HeaderEventName:        EventChannelBridge,
		HeaderOtherLegUniqueID: a,
		HeaderAnswerState:      string(AnswerStateAnswered),
	}})
	return InboundChannel(s, initial, nil)
}

func TestAttendedTransferSuccess(t *testing.T) {
	s, server := pipedSocket(t)
	const a, b, c = "leg-A", "leg-B", "leg-C"
	ch := bridgedChannel(t, s, b, a)

	go func() {
		buf := make([]byte, 4096)
		server.Read(buf) // the att_xfer sendmsg
		writeFrame(t, server, "Content-Type: command/reply\nReply-Text: +OK\n\n")

		feedEvent(t, server, map[string]string{
			HeaderUniqueID:  c,
			HeaderEventName: EventChannelAnswer,
		})
		feedEvent(t, server, map[string]string{
			HeaderUniqueID:  b,
			HeaderEventName: EventChannelHangup,
		})
		feedEvent(t, server, map[string]string{
			HeaderUniqueID:         c,
			HeaderEventName:        EventChannelBridge,
			HeaderOtherLegUniqueID: a,
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := AttendedTransfer(ctx, ch, "sofia/gateway/foo/"+c)
	if err != nil {
		t.Fatalf("AttendedTransfer failed: %v", err)
	}
	if result.Kind != TransferSuccess {
		t.Fatalf("expected TransferSuccess, got %+v", result)
	}
}

func TestAttendedTransferNoAnswer(t *testing.T) {
	s, server := pipedSocket(t)
	const a, b, c = "leg-A2", "leg-B2", "leg-C2"
	ch := bridgedChannel(t, s, b, a)

	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
		writeFrame(t, server, "Content-Type: command/reply\nReply-Text: +OK\n\n")

		feedEvent(t, server, map[string]string{
			HeaderUniqueID:  c,
			HeaderEventName: EventChannelHangup,
		})
		feedEvent(t, server, map[string]string{
			HeaderUniqueID:              b,
			HeaderEventName:             EventChannelExecuteComplete,
			HeaderApplication:           "att_xfer",
			"variable_originate_disposition": "NO_ANSWER",
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := AttendedTransfer(ctx, ch, "sofia/gateway/foo/"+c)
	if err != nil {
		t.Fatalf("AttendedTransfer failed: %v", err)
	}
	if result.Kind != TransferFailedNoAnswer {
		t.Fatalf("expected TransferFailedNoAnswer, got %+v", result)
	}
}

func TestAttendedTransferALegHangup(t *testing.T) {
	s, server := pipedSocket(t)
	const a, b, c = "leg-A3", "leg-B3", "leg-C3"
	ch := bridgedChannel(t, s, b, a)

	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
		writeFrame(t, server, "Content-Type: command/reply\nReply-Text: +OK\n\n")

		feedEvent(t, server, map[string]string{
			HeaderUniqueID:  a,
			HeaderEventName: EventChannelHangup,
		})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := AttendedTransfer(ctx, ch, "sofia/gateway/foo/"+c)
	if err != nil {
		t.Fatalf("AttendedTransfer failed: %v", err)
	}
	if result.Kind != TransferHangup || result.HangupEvent == nil || result.HangupEvent.UUID() != a {
		t.Fatalf("expected TransferHangup for %s, got %+v", a, result)
	}
}
