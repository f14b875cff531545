// Command chat is a terminal client: it joins the conversation served by a
// relay and reads chat lines from stdin.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gookit/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/conn"
	"github.com/mqy/minichat/engine"
	"github.com/mqy/minichat/presence"
	"github.com/mqy/minichat/protocol"
)

const connectTimeout = 10 * time.Second

var (
	flagURL         = flag.String("url", "ws://127.0.0.1:8000/ws", "relay websocket url")
	flagName        = flag.String("name", "", "display name; prompted for when empty")
	flagIdle        = flag.Duration("idle", presence.DefaultIdle, "typing indicator idle duration")
	flagMetricsAddr = flag.String("metrics-addr", "", "serve prometheus metrics on this address, disabled when empty")
	flagColours     = flag.Bool("colours", true, "colourize output")
	flagMaxMsgBytes = flag.Int("max-msg-bytes", protocol.DefaultMaxFrameBytes, "largest frame to send, match the relay's --max-msg-bytes")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	in := bufio.NewReader(os.Stdin)

	name, err := promptName(in, os.Stdout, *flagName)
	if err != nil {
		return errorf("read name: %v", err)
	}

	if *flagMetricsAddr != "" {
		go serveMetrics(*flagMetricsAddr)
	}

	c := conn.New(*flagURL, conn.WithSendLimit(*flagMaxMsgBytes))
	lost := make(chan struct{})
	var lostOnce sync.Once
	c.OnDisconnected(func() {
		glog.Warningf("connection to %s lost", *flagURL)
		lostOnce.Do(func() { close(lost) })
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	err = c.Connect(ctx)
	cancel()
	if err != nil {
		return errorf("connect: %v", err)
	}
	defer c.Close()

	e := engine.New(c, engine.WithIdle(*flagIdle), engine.WithMaxFrameBytes(*flagMaxMsgBytes))
	defer e.Close()
	if err := e.Join(name); err != nil {
		return errorf("join: %v", err)
	}

	r := &renderer{out: os.Stdout, colours: *flagColours, isMine: e.IsMine}
	unsubscribe := e.Session().Subscribe(r.render)
	defer unsubscribe()

	fmt.Println(r.header(fmt.Sprintf("joined as %s, /clear clears the view, /quit leaves", e.Identity())))

	lines := make(chan string)
	go readLines(in, lines)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			if quit := handleLine(e, line); quit {
				return 0
			}
		case <-lost:
			fmt.Println(r.paint(color.Yellow, "disconnected from relay"))
			return 1
		case sig := <-sigCh:
			glog.Infof("received signal `%s` leaving", sig.String())
			return 0
		}
	}
}

// handleLine applies one input line; it reports whether the user asked to leave.
func handleLine(e *engine.Engine, line string) bool {
	switch strings.TrimSpace(line) {
	case "/quit":
		return true
	case "/clear":
		if err := e.Clear(); err != nil {
			glog.Errorf("clear: %v", err)
		}
		return false
	}

	if err := e.Edit(line); err != nil {
		glog.Errorf("edit: %v", err)
		return false
	}
	switch err := e.Submit(); {
	case err == nil, errors.Is(err, engine.ErrEmptyText):
	case errors.Is(err, engine.ErrTooLong):
		fmt.Println("message too long, not sent")
	default:
		glog.Errorf("send: %v", err)
	}
	return false
}

// promptName returns name, asking on out until a non blank name is read.
func promptName(in *bufio.Reader, out io.Writer, name string) (string, error) {
	for strings.TrimSpace(name) == "" {
		_, _ = fmt.Fprint(out, "Your name: ")
		line, err := in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return "", err
		}
		name = line
	}
	return strings.TrimSpace(name), nil
}

func readLines(in *bufio.Reader, lines chan<- string) {
	defer close(lines)
	for {
		line, err := in.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			lines <- line
		}
		if err != nil {
			if err != io.EOF {
				glog.Errorf("read stdin: %v", err)
			}
			return
		}
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{},
	))
	glog.Infof("metrics on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		glog.Errorf("metrics server: %v", err)
	}
}

func validateFlags() int {
	if *flagURL == "" {
		return errorf("--url is required")
	}
	u, err := url.Parse(*flagURL)
	if err != nil {
		return errorf("--url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errorf("--url: scheme MUST be ws or wss, got `%s`", u.Scheme)
	}
	if *flagIdle <= 0 {
		return errorf("--idle MUST be positive")
	}
	if *flagMaxMsgBytes < 256 || *flagMaxMsgBytes > protocol.MaxFrameBytes {
		return errorf("--max-msg-bytes MUST in range [256, %d]", protocol.MaxFrameBytes)
	}
	return 0
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}
