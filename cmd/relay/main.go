// Command relay serves the chat relay: it accepts websocket clients on /ws and
// fans their events out, either in process or across nodes through kafka.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/minichat/protocol"
	"github.com/mqy/minichat/relay"
)

const shutdownTimeout = 5 * time.Second

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "minichat-relay.pid", "pid file")

	flagKafkaBrokers     = flag.String("kafka-brokers", "", "comma separated kafka brokers; empty runs a standalone relay")
	flagKafkaTopic       = flag.String("kafka-topic", "minichat-events", "kafka topic shared by the relay nodes")
	flagKafkaGroupPrefix = flag.String("kafka-group-prefix", "minichat", "kafka consumer group prefix, the node id is appended")

	flagMaxMsgBytes    = flag.Int64("max-msg-bytes", relay.DefaultMaxMsgBytes, "max websocket frame size to read")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
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

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	conf := relay.DefaultConf()
	conf.NodeId = relay.NewNodeId()
	conf.MaxMsgBytes = *flagMaxMsgBytes

	var broker relay.IBroker
	if *flagKafkaBrokers != "" {
		broker = relay.NewKafkaBroker(&relay.KafkaConf{
			Brokers:       splitBrokers(*flagKafkaBrokers),
			Topic:         *flagKafkaTopic,
			GroupPrefix:   *flagKafkaGroupPrefix,
			NodeId:        conf.NodeId,
			MaxValueBytes: int(2 * *flagMaxMsgBytes),
		})
		glog.Infof("relay node %s: kafka topic %s", conf.NodeId, *flagKafkaTopic)
	} else {
		broker = relay.NewLocalBroker()
		glog.Infof("relay node %s: standalone", conf.NodeId)
	}

	hub := relay.NewHub(broker, conf)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)

	srv := &http.Server{Addr: *flagAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	srvErr := make(chan error, 1)
	go func() {
		glog.Infof("relay is listening on %s", *flagAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	glog.Infof("`kill -USR1 %d` to dump goroutines; `CTRL+c` or `kill %d` to graceful stop", pid, pid)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	code := 0
loop:
	for {
		select {
		case err, ok := <-srvErr:
			if ok {
				code = errorf("http server: %v", err)
			}
			break loop
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				dumpGoroutines()
			case syscall.SIGTERM, syscall.SIGINT:
				glog.Infof("received signal `%s` stopping", sig.String())
				break loop
			}
		}
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		glog.Errorf("http server shutdown: %v", err)
	}

	cancel()
	<-hubDone

	glog.Info("relay exited")
	return code
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagMaxMsgBytes < 256 || *flagMaxMsgBytes > protocol.MaxFrameBytes {
		return errorf("--max-msg-bytes MUST in range [256, %d]", protocol.MaxFrameBytes)
	}

	if *flagKafkaBrokers != "" {
		if len(splitBrokers(*flagKafkaBrokers)) == 0 {
			return errorf("--kafka-brokers has no broker address")
		}
		if *flagKafkaTopic == "" {
			return errorf("--kafka-topic is required with --kafka-brokers")
		}
		if *flagKafkaGroupPrefix == "" {
			return errorf("--kafka-group-prefix is required with --kafka-brokers")
		}
	}
	return 0
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func dumpGoroutines() {
	glog.Info("dumping goroutines to stderr")
	if err := pprof.Lookup("goroutine").WriteTo(os.Stderr, 2); err != nil {
		glog.Errorf("failed to dump goroutines: %v", err)
	}
}

// savePid writes pid to name unless name holds the pid of a live process.
func savePid(name string, pid int) error {
	content, err := os.ReadFile(name)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return fmt.Errorf("read pid file: %w", err)
	case len(bytes.TrimSpace(content)) > 0:
		old, err := strconv.Atoi(string(bytes.TrimSpace(content)))
		if err != nil {
			return fmt.Errorf("pid file %s: %w", name, err)
		}
		if pidAlive(old) {
			return fmt.Errorf("pid file %s: relay %d is running", name, old)
		}
		glog.Infof("replacing stale pid file %s (pid %d)", name, old)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
