package esl

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// pipedSocket wires an EventSocket around one end of a net.Pipe, handing
// the caller the other end to script server behavior against.
func pipedSocket(t *testing.T) (*EventSocket, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	s := newEventSocket(client, nil)
	go s.run()
	t.Cleanup(func() { s.Close() })
	return s, server
}

func writeFrame(t *testing.T, w io.Writer, raw string) {
	t.Helper()
	if _, err := io.WriteString(w, raw); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
}

// eventPlainFrame builds a text/event-plain frame whose outer
// Content-Length is computed from innerHeaders, the way FreeSwitch's own
// frames carry the event's headers again inside the body.
func eventPlainFrame(innerHeaders string) string {
	return "Content-Type: text/event-plain\nContent-Length: " + strconv.Itoa(len(innerHeaders)) + "\n\n" + innerHeaders
}

func TestSendCommandRoundTrip(t *testing.T) {
	s, server := pipedSocket(t)
	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
		writeFrame(t, server, "Content-Type: command/reply\nReply-Text: +OK accepted\n\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := s.SendCommand(ctx, "auth ClueCon")
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if !reply.Success || reply.ReplyText != "+OK accepted" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestAPIOrderingPreservesFIFO(t *testing.T) {
	s, server := pipedSocket(t)

	serverLines := make(chan string, 16)
	go scriptedEchoServer(server, serverLines)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type result struct {
		idx  int
		body string
	}
	results := make(chan result, 2)

	// Launch the two SendAPI calls one at a time, each confirmed on the
	// wire before the next starts, so submission order is deterministic:
	// the FIFO alignment check below is only meaningful if caller 0's
	// command genuinely reached the wire before caller 1's.
	for i := 0; i < 2; i++ {
		idx := i
		go func() {
			resp, err := s.SendAPI(ctx, fmt.Sprintf("cmd-%d", idx))
			if err != nil {
				t.Errorf("SendAPI %d failed: %v", idx, err)
				return
			}
			results <- result{idx, resp.BodyText}
		}()
		select {
		case <-serverLines:
		case <-ctx.Done():
			t.Fatal("timed out waiting for command on wire")
		}
	}
	// Reply in submission order so FIFO alignment can be checked.
	writeFrame(t, server, "Content-Type: api/response\nContent-Length: 5\n\nfirst")
	writeFrame(t, server, "Content-Type: api/response\nContent-Length: 6\n\nsecond")

	got := map[int]string{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			got[r.idx] = r.body
		case <-ctx.Done():
			t.Fatal("timed out waiting for SendAPI results")
		}
	}
	if got[0] != "first" || got[1] != "second" {
		t.Fatalf("FIFO alignment broken: %v", got)
	}
}

// scriptedEchoServer reads raw commands off the wire (terminated by a
// blank line) and republishes the bytes of each read on lines, so a test
// can wait for a command to have actually been written before replying.
func scriptedEchoServer(conn net.Conn, lines chan<- string) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		lines <- string(buf[:n])
	}
}

func TestBgAPICorrelatesOnJobUUID(t *testing.T) {
	s, server := pipedSocket(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		if _, err := server.Read(buf); err != nil {
			return
		}
		writeFrame(t, server, "Content-Type: command/reply\nReply-Text: +OK\nJob-UUID: job-1\n\n")
		jobBody := "+OK 3c9a-deadbeef"
		innerHeaders := "Event-Name: BACKGROUND_JOB\nJob-UUID: job-1\nContent-Length: " +
			strconv.Itoa(len(jobBody)) + "\n\n" + jobBody
		writeFrame(t, server, eventPlainFrame(innerHeaders))
	}()

	result, err := s.BgAPI(ctx, "originate", "user/1000 &park", "")
	if err != nil {
		t.Fatalf("BgAPI failed: %v", err)
	}
	if !result.Success || result.JobUUID != "job-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	<-done
}

func TestExecuteAppAsyncResolvesOnAck(t *testing.T) {
	s, server := pipedSocket(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
		writeFrame(t, server, "Content-Type: command/reply\nReply-Text: +OK\n\n")
	}()

	res, err := s.ExecuteApp(ctx, "call-1", "playback", "foo.wav", false, true)
	if err != nil {
		t.Fatalf("ExecuteApp failed: %v", err)
	}
	if res.Reply == nil || !res.Reply.Success || res.Complete != nil {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFatalizeFailsAllPendingWaiters(t *testing.T) {
	s, server := pipedSocket(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := s.SendCommand(ctx, "status")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	server.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error after connection close")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for fatalize to fail the pending waiter")
	}
}
