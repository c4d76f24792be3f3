package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"os/user"
	"sync"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/spf13/cobra"

	"github.com/epics-ca/cacircuit/circuit"
	"github.com/epics-ca/cacircuit/collab"
	"github.com/epics-ca/cacircuit/config"
	"github.com/epics-ca/cacircuit/metrics"
	"github.com/epics-ca/cacircuit/wire"
)

// demoCollaborator is a minimal collab.Collaborator that logs every
// circuit event and redials on disconnect, standing in for the channel
// registry a real client library would own.
type demoCollaborator struct {
	cfg       config.Config
	allocator collab.Allocator
	metrics   *metrics.Metrics

	bo *backoff.Backoff

	mu       sync.Mutex
	current  *circuit.Circuit
	shutdown chan struct{}
}

func newDemoCollaborator(cfg config.Config, allocator collab.Allocator, m *metrics.Metrics) *demoCollaborator {
	return &demoCollaborator{
		cfg:       cfg,
		allocator: allocator,
		metrics:   m,
		bo: &backoff.Backoff{
			Min:    cfg.ReconnectMinInterval,
			Max:    cfg.ReconnectMaxInterval,
			Factor: 2,
			Jitter: true,
		},
		shutdown: make(chan struct{}),
	}
}

// dial constructs and dials a fresh circuit, recording it as current.
func (d *demoCollaborator) dial() (*circuit.Circuit, error) {
	ci, err := circuit.New(
		d.cfg,
		d,
		d.allocator,
		circuit.WithMetrics(d.metrics),
		circuit.WithDiagnosticSink(func(prefix, message string) {
			log.Printf("%s: %s", prefix, message)
		}),
	)
	if err != nil {
		return nil, err
	}
	if err := ci.Dial(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.current = ci
	d.mu.Unlock()

	return ci, nil
}

func (d *demoCollaborator) isShuttingDown() bool {
	select {
	case <-d.shutdown:
		return true
	default:
		return false
	}
}

func (d *demoCollaborator) DisconnectNotify(ci collab.CircuitHandle) {
	log.Printf("%s: disconnected from %s", d.cfg.LogPrefix, ci.RemoteAddr())
	if d.isShuttingDown() {
		return
	}
	go d.reconnectLoop()
}

func (d *demoCollaborator) reconnectLoop() {
	for {
		wait := d.bo.Duration()
		log.Printf("%s: reconnecting to %s in %s", d.cfg.LogPrefix, d.cfg.Address, wait)

		select {
		case <-time.After(wait):
		case <-d.shutdown:
			return
		}

		if _, err := d.dial(); err != nil {
			log.Printf("%s: reconnect attempt failed: %v", d.cfg.LogPrefix, err)
			continue
		}

		d.bo.Reset()
		return
	}
}

func (d *demoCollaborator) InitiateAbortShutdown(ci collab.CircuitHandle) {
	log.Printf("%s: requesting abort shutdown of %s", d.cfg.LogPrefix, ci.RemoteAddr())
	if c, ok := ci.(*circuit.Circuit); ok {
		c.AbortShutdown()
	}
}

func (d *demoCollaborator) DestroyIIU(ci collab.CircuitHandle) {
	log.Printf("%s: circuit %s fully torn down", d.cfg.LogPrefix, ci.RemoteAddr())
}

func (d *demoCollaborator) ExecuteResponse(ctx context.Context, ci collab.CircuitHandle, now time.Time, hdr wire.Header, body []byte) bool {
	log.Printf(
		"%s: %s from %s payload=%s at %s",
		d.cfg.LogPrefix,
		hdr.Command,
		ci.RemoteAddr(),
		sizestr.ToString(int64(len(body))),
		now.Format(time.RFC3339Nano),
	)
	if d.cfg.LogDebug && len(body) > 0 {
		log.Printf("%s: payload dump:\n%s", d.cfg.LogPrefix, spew.Sdump(body))
	}
	return true
}

func (d *demoCollaborator) ChannelDisconnectNotify(ci collab.CircuitHandle, cid uint32) {
	log.Printf("%s: channel cid=%d on %s disconnected", d.cfg.LogPrefix, cid, ci.RemoteAddr())
}

func (d *demoCollaborator) closeCurrent() {
	close(d.shutdown)

	d.mu.Lock()
	ci := d.current
	d.mu.Unlock()

	if ci != nil {
		ci.Close()
	}
}

func runDemo(address, username, hostname string, priority uint8, minorVersion uint16, logDebug bool) error {
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	cfg := config.Config{
		Address:      address,
		Priority:     priority,
		SelfUserName: username,
		SelfHostName: hostname,
		MinorVersion: minorVersion,
		LogPrefix:    "cacircuitdemo",
		LogDebug:     logDebug,
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	allocator := collab.NewPoolAllocator(cfg.SmallBufferSize, cfg.LargeBufferSize)
	m := metrics.New(metrics.WithSubsystem("demo"))
	collaborator := newDemoCollaborator(cfg, allocator, m)

	if _, err := collaborator.dial(); err != nil {
		return fmt.Errorf("dialing %s: %w", address, err)
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigch
	log.Printf("cacircuitdemo: received signal %s, exiting", sig.String())

	collaborator.closeCurrent()

	return nil
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	var (
		address      string
		username     string
		hostname     string
		priority     uint8
		minorVersion uint16
		logDebug     bool
	)

	root := &cobra.Command{
		Use:   "cacircuitdemo",
		Short: "Dial a single Channel Access virtual circuit and log every inbound frame",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(address, username, hostname, priority, minorVersion, logDebug)
		},
	}

	root.Flags().StringVar(&address, "address", "127.0.0.1:5064", "host:port of the Channel Access server")
	root.Flags().StringVar(&username, "username", "", "identity reported in CLIENT_NAME, defaults to the OS user")
	root.Flags().StringVar(&hostname, "hostname", "", "identity reported in HOST_NAME, defaults to os.Hostname")
	root.Flags().Uint8Var(&priority, "priority", 0, "circuit priority, 0-99")
	root.Flags().Uint16Var(&minorVersion, "minor-version", config.CurrentMinorVersion, "protocol minor version to advertise")
	root.Flags().BoolVar(&logDebug, "debug", false, "enable verbose diagnostic logging")

	if err := root.Execute(); err != nil {
		log.Fatalf("cacircuitdemo: %v", err)
	}
}
