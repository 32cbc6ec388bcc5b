package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"golang.org/x/exp/slog"

	"github.com/switchline/fsesl/esl"
)

var logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

// eslcat dials a FreeSwitch mod_event_socket listener, authenticates, and
// either runs one api command or streams events, printing what it sees.
// It exercises InboundSocket end to end the way examples/server.go exercised
// the teacher's ESLServer, minus the outbound-listener half (OutboundServer
// has no standalone CLI counterpart here — it's meant to be embedded by a
// dialplan application, not driven interactively).
func main() {
	host := flag.String("host", "127.0.0.1", "FreeSwitch ESL host")
	port := flag.Int("port", 8021, "FreeSwitch ESL port")
	password := flag.String("password", "ClueCon", "ESL password")
	api := flag.String("api", "", "run this api command and print its response, then exit")
	events := flag.String("events", "", "comma-separated event names to subscribe and stream (e.g. CHANNEL_ANSWER,CHANNEL_HANGUP)")
	brief := flag.Bool("brief", false, "log frames in brief form instead of full")
	flag.Parse()

	ctx := context.Background()
	cfg := esl.Config{Host: *host, Port: *port, Password: *password}

	in, err := esl.ConnectInbound(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "eslcat: connect failed:", err)
		os.Exit(1)
	}
	defer in.Close()
	in.EnableFrameLogging(*brief)

	if *api != "" {
		resp, err := in.SendAPI(ctx, *api)
		if err != nil {
			fmt.Fprintln(os.Stderr, "eslcat: api failed:", err)
			os.Exit(1)
		}
		fmt.Println(resp.BodyText)
		return
	}

	names := strings.Fields(strings.ReplaceAll(*events, ",", " "))
	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "eslcat: nothing to do, pass -api or -events")
		os.Exit(1)
	}
	if _, err := in.SubscribeEvents(ctx, "plain", names...); err != nil {
		fmt.Fprintln(os.Stderr, "eslcat: subscribe failed:", err)
		os.Exit(1)
	}

	sub := in.Events(nil)
	defer sub.Close()
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				fmt.Fprintln(os.Stderr, "eslcat: event stream ended")
				return
			}
			fmt.Printf("%s uuid=%s\n", ev.EventName(), ev.UUID())
		case <-sub.Done():
			return
		}
	}
}
