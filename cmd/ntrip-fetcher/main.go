// Command ntrip-fetcher runs the client-side NTRIP fetch pipeline: it
// periodically pulls a sourcetable from an upstream caster, installs the
// result into a priority-ordered stack, serves the merged table itself
// over HTTP, and optionally pushes telemetry read from a local serial
// device upstream through a queued push Task.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ntripmesh/gocaster/pkg/caster"
	"github.com/ntripmesh/gocaster/pkg/gnssgo/stream"
	"github.com/ntripmesh/gocaster/pkg/ntrip/client"
	"github.com/ntripmesh/gocaster/pkg/ntrip/scheduler"
)

func main() {
	upstreamHost := flag.String("upstream-host", "rtk2go.com", "upstream caster host to fetch the sourcetable from")
	upstreamPort := flag.Int("upstream-port", 2101, "upstream caster port")
	upstreamTLS := flag.Bool("upstream-tls", false, "use TLS when connecting to the upstream caster")
	refreshDelay := flag.Duration("refresh-delay", 5*time.Minute, "how often to refresh the upstream sourcetable; 0 disables periodic refresh")
	priority := flag.Int("priority", 0, "priority this fetcher's table is installed at in the local stack")
	listenAddr := flag.String("listen", ":2101", "local address to serve the merged sourcetable from")
	pushHost := flag.String("push-host", "", "optional upstream host to push serial telemetry to")
	pushPort := flag.Int("push-port", 2101, "push upstream port")
	pushURI := flag.String("push-uri", "/telemetry", "push upstream URI")
	pushUser := flag.String("push-user", "", "push upstream basic-auth username")
	pushPassword := flag.String("push-password", "", "push upstream basic-auth password")
	serialPath := flag.String("serial", "", "serial device to read telemetry from, e.g. /dev/ttyUSB0:115200 (push disabled if empty)")
	readTimeout := flag.Duration("read-timeout", 60*time.Second, "idle read timeout on upstream connections; 0 disables it")
	writeTimeout := flag.Duration("write-timeout", 10*time.Second, "write timeout on upstream connections; 0 disables it")
	fetchTimeout := flag.Duration("sourcetable-fetch-timeout", 30*time.Second, "idle read timeout while fetching the sourcetable; 0 disables it")
	keepalive := flag.Bool("connection-keepalive", true, "enable TCP keepalive probes on upstream connections")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logrus.New()
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatalf("invalid log level: %v", err)
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	sched := scheduler.New(10 * time.Second)
	stack := caster.NewSourcetableStack()

	fetcher := client.NewSourcetableFetcher(client.SourcetableFetcherConfig{
		Host:         *upstreamHost,
		Port:         *upstreamPort,
		TLS:          *upstreamTLS,
		RefreshDelay: *refreshDelay,
		Priority:     *priority,
		Installer:    stack,
		FetchTimeout: *fetchTimeout,
	}, sched, logger.WithField("component", "sourcetable_fetcher"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher.Start(ctx)

	svc := &stackSourceService{stack: stack}
	srv := caster.NewCasterWithConfig(*listenAddr, svc, logger.WithField("component", "caster"), caster.Config{
		ReadTimeout:  *readTimeout,
		WriteTimeout: *writeTimeout,
	})
	go func() {
		logger.WithField("addr", *listenAddr).Info("serving merged sourcetable")
		if err := srv.ListenAndServe(); err != nil {
			logger.WithError(err).Error("caster server stopped")
		}
	}()

	var pushTask *client.Task
	var closeSerial func()
	if *serialPath != "" && *pushHost != "" {
		pushTask, closeSerial = startSerialPush(ctx, sched, logger, serialPushConfig{
			host:         *pushHost,
			port:         *pushPort,
			uri:          *pushURI,
			user:         *pushUser,
			password:     *pushPassword,
			serial:       *serialPath,
			readTimeout:  *readTimeout,
			writeTimeout: *writeTimeout,
			keepalive:    *keepalive,
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	fetcher.Stop()
	if pushTask != nil {
		pushTask.Close()
	}
	if closeSerial != nil {
		closeSerial()
	}
	_ = srv.Close()
}

type serialPushConfig struct {
	host, uri, user, password, serial string
	port                              int
	readTimeout, writeTimeout         time.Duration
	keepalive                         bool
}

// startSerialPush wires a push Task's mime queue to a local serial
// device: every chunk of telemetry read off the wire (up to 512 bytes,
// not split on line ends) is queued as a JSON payload and drained into the bound connection, exercising go.bug.st/serial
// and the Task/MimeQueue push path together.
func startSerialPush(ctx context.Context, sched scheduler.Scheduler, logger logrus.FieldLogger, cfg serialPushConfig) (*client.Task, func()) {
	var creds *client.Credentials
	if cfg.user != "" {
		creds = &client.Credentials{User: cfg.user, Password: cfg.password}
	}

	task := client.New(client.TaskConfig{
		Host:                cfg.host,
		Port:                cfg.port,
		URI:                 cfg.uri,
		Mountpoint:          "telemetry",
		Method:              "POST",
		Type:                "serial_telemetry_push",
		BulkMaxSize:         4096,
		BulkContentType:     "application/json",
		QueueMaxSize:        65536,
		Credentials:         creds,
		ReadTimeout:         cfg.readTimeout,
		WriteTimeout:        cfg.writeTimeout,
		ConnectionKeepalive: cfg.keepalive,
	}, sched, logger.WithField("component", "serial_push_task"), nil)

	task.Start(ctx, func(ok bool) {
		logger.WithField("ok", ok).Info("serial push connection ended")
	})

	var msg string
	port := stream.OpenSerial(cfg.serial, 0, &msg)
	if port == nil {
		logger.WithField("error", msg).Error("could not open serial device for telemetry push")
		return task, func() { task.Close() }
	}

	stopCh := make(chan struct{})
	go func() {
		buf := make([]byte, 512)
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			n := port.ReadSerial(buf, len(buf), &msg)
			if n <= 0 {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			payload, err := json.Marshal(map[string]string{"raw": string(buf[:n])})
			if err != nil {
				continue
			}
			task.Queue(payload, "application/json")
		}
	}()

	return task, func() {
		close(stopCh)
		port.CloseSerial()
	}
}

// stackSourceService adapts a SourcetableStack to caster.SourceService so
// the merged, fetched sourcetable can be served back out over HTTP; it
// does not accept publishers or subscribers, since this binary only
// fetches and relays sourcetables, not correction streams.
type stackSourceService struct {
	stack *caster.SourcetableStack
}

func (s *stackSourceService) GetSourcetable() caster.Sourcetable {
	return s.stack.Flatten()
}

// FindMountpointLine implements caster.MountpointRouter, so the served
// sourcetable's handler can log which upstream a mount's data came
// from.
func (s *stackSourceService) FindMountpointLine(name string) (caster.SourceLine, bool) {
	return s.stack.FindMountpointLine(name)
}

func (s *stackSourceService) Publisher(ctx context.Context, mount, username, password string) (io.WriteCloser, error) {
	return nil, caster.ErrorNotFound
}

func (s *stackSourceService) Subscriber(ctx context.Context, mount, username, password string) (chan []byte, error) {
	return nil, caster.ErrorNotFound
}
