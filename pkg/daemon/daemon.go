// Package daemon implements the disk-writing daemon: a worker pool that
// drains (channel, trace file) pairs via the three-step control-operation
// protocol in pkg/channel, plus the ambient stack a real daemon needs
// (signal handling, Prometheus metrics, an optional Parquet side-export,
// and polling discovery of newly created channel files). Each worker owns
// a disjoint set of pairs, with per-pair try-locking keeping any one
// channel serviced by at most one worker at a time.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ringtrace/ringtrace/pkg/channel"
	"github.com/ringtrace/ringtrace/pkg/reader"
)

// Config controls daemon construction and mirrors the daemon's CLI surface.
type Config struct {
	TraceDir    string        // -t: mandatory trace output directory
	ChannelRoot string        // -c: mandatory channel root directory
	Append      bool          // -a: append to existing trace
	Workers     int           // -N: worker thread count
	FlightOnly  bool          // -f: drain only flight-recorder channels
	NormalOnly  bool          // -n: drain only normal channels
	ParquetPath string        // -parquet FILE: optional structured side-export
	RootPoll    time.Duration // -root-poll DURATION: channel-discovery ticker interval

	// PollInterval bounds how long a worker sleeps between poll iterations
	// that found no ready channel at all. There is no OS-level poll(2) to
	// block on since channels are in-process; a short sleep loop with
	// cancellation on Shutdown stands in for an infinite-timeout poll
	// woken by a signal.
	PollInterval time.Duration

	// Discover is called once per newly observed entry under ChannelRoot
	// during a directory-watch tick; it returns the Channel to service and
	// the trace-file path to write it to. A nil Discover disables the
	// directory watch: a daemon driven entirely by AddChannel doesn't
	// need it.
	Discover func(channelPath string) (ch *channel.Channel, tracePath string, err error)

	Registerer prometheus.Registerer
}

func (c Config) validated() (Config, error) {
	if c.TraceDir == "" || c.ChannelRoot == "" {
		return c, fmt.Errorf("daemon: ConfigError: trace directory and channel root are mandatory")
	}
	if c.FlightOnly && c.NormalOnly {
		return c, fmt.Errorf("daemon: ConfigError: -f and -n are mutually exclusive")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.RootPoll <= 0 {
		c.RootPoll = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 20 * time.Millisecond
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.NewRegistry()
	}
	return c, nil
}

// Daemon owns a set of (channel, trace file) pairs and the worker pool
// that drains them with per-pair try-locking.
type Daemon struct {
	cfg Config

	metrics *Metrics
	sink    *ParquetSink

	mu            sync.Mutex
	pairs         []*pair
	pairByChannel map[*channel.Channel]*pair
	seen          map[string]bool // ChannelRoot paths already discovered

	workerReaders []*reader.Reader // populated once Run starts; nil beforehand
	nextWorker    int

	quit     chan struct{}
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// New validates cfg, registers metrics, and opens the optional Parquet
// side-export. Configuration and metric-registration failures are fatal:
// both run exactly once, before the poll loop starts.
func New(cfg Config) (*Daemon, error) {
	cfg, err := cfg.validated()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.TraceDir, 0o755); err != nil {
		return nil, fmt.Errorf("daemon: ConfigError: creating trace directory: %w", err)
	}

	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("daemon: MetricsExportFailure: %w", err)
	}

	var sink *ParquetSink
	if cfg.ParquetPath != "" {
		sink, err = NewParquetSink(cfg.ParquetPath)
		if err != nil {
			return nil, err
		}
	}

	return &Daemon{
		cfg:           cfg,
		metrics:       metrics,
		sink:          sink,
		pairByChannel: make(map[*channel.Channel]*pair),
		seen:          make(map[string]bool),
		quit:          make(chan struct{}),
	}, nil
}

// AddChannel registers ch to be drained, writing to tracePath honoring the
// daemon's append setting. Flight-recorder channels are
// tracked but never assigned to a worker's normal drain set; they are only
// serviced by DrainFlightRecorders at teardown. Safe to call both before
// and after Run: a channel discovered while the daemon is already running
// is assigned to a worker round-robin immediately.
func (d *Daemon) AddChannel(ch *channel.Channel, tracePath string) error {
	if d.cfg.FlightOnly && !ch.FlightRecorder() {
		return nil
	}
	if d.cfg.NormalOnly && ch.FlightRecorder() {
		return nil
	}
	p, err := newPair(ch, tracePath, d.cfg.Append)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.pairs = append(d.pairs, p)
	d.pairByChannel[ch] = p
	if !ch.FlightRecorder() && len(d.workerReaders) > 0 {
		idx := d.nextWorker % len(d.workerReaders)
		d.nextWorker++
		d.workerReaders[idx].AddChannel(ch)
	}
	d.mu.Unlock()
	return nil
}

// Run starts the worker pool and the directory-watch ticker (if Discover
// is set), installs the SIGINT/SIGTERM/SIGQUIT handler, and blocks until
// ctx is cancelled, a signal arrives, or Shutdown is called.
func (d *Daemon) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	d.startWorkers()

	if d.cfg.Discover != nil {
		d.wg.Add(1)
		go d.watchChannelRoot()
	}

	select {
	case <-ctx.Done():
	case <-sigCh:
		log.Printf("daemon: received signal, shutting down")
	case <-d.quit:
	}

	d.stop()
	d.wg.Wait()
	return nil
}

// Shutdown stops the worker pool, drains flight-recorder channels exactly
// once, and closes the optional Parquet sink.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.stop()
	d.wg.Wait()

	d.DrainFlightRecorders(ctx)

	d.mu.Lock()
	pairs := d.pairs
	d.mu.Unlock()
	var firstErr error
	for _, p := range pairs {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.sink != nil {
		if err := d.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *Daemon) stop() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// ChannelMetrics is a point-in-time snapshot of one channel's observability
// counters, the same figures the Prometheus vectors and the Parquet
// side-export are fed from.
type ChannelMetrics struct {
	EventsLost          uint64
	CorruptedSubbuffers uint64
	BytesWritten        uint64
	Overruns            uint64
}

// ChannelMetrics returns a snapshot for a registered channel; ok is false
// if ch was never registered with this daemon.
func (d *Daemon) ChannelMetrics(ch *channel.Channel) (m ChannelMetrics, ok bool) {
	d.mu.Lock()
	p := d.pairByChannel[ch]
	d.mu.Unlock()
	if p == nil {
		return ChannelMetrics{}, false
	}
	return ChannelMetrics{
		EventsLost:          p.ch.EventsLost(),
		CorruptedSubbuffers: p.ch.CorruptedSubbuffers(),
		BytesWritten:        atomic.LoadUint64(&p.bytesWritten),
		Overruns:            atomic.LoadUint64(&p.overruns),
	}, true
}

// startWorkers creates cfg.Workers reader.Reader multiplexers, assigns
// every already-registered, non-flight-recorder pair to one round-robin,
// and launches the worker goroutines.
func (d *Daemon) startWorkers() {
	d.mu.Lock()
	d.workerReaders = make([]*reader.Reader, d.cfg.Workers)
	for i := range d.workerReaders {
		d.workerReaders[i] = reader.NewReader()
	}
	for i, p := range d.pairs {
		if p.ch.FlightRecorder() {
			continue
		}
		d.workerReaders[i%d.cfg.Workers].AddChannel(p.ch)
	}
	d.nextWorker = len(d.pairs)
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.runWorker(i)
	}
}

func (d *Daemon) runWorker(id int) {
	defer d.wg.Done()

	d.mu.Lock()
	r := d.workerReaders[id]
	d.mu.Unlock()

	for {
		select {
		case <-d.quit:
			return
		default:
		}

		ordered, err := r.Poll()
		if err != nil {
			if errors.Is(err, reader.ErrNoChannels) {
				d.sleepOrQuit()
				continue
			}
			log.Printf("daemon: worker %d: poll: %v", id, err)
			d.sleepOrQuit()
			continue
		}

		didWork := false
		for _, ch := range ordered {
			d.mu.Lock()
			p := d.pairByChannel[ch]
			d.mu.Unlock()
			if p == nil {
				continue
			}
			ok, err := p.drainOnce(d.metrics, d.sink)
			didWork = didWork || ok
			if err != nil {
				log.Printf("daemon: worker %d: draining channel %q: %v", id, ch.Name(), err)
			}
		}
		if !didWork {
			d.sleepOrQuit()
		}
	}
}

func (d *Daemon) sleepOrQuit() {
	select {
	case <-d.quit:
	case <-time.After(d.cfg.PollInterval):
	}
}

// DrainFlightRecorders services every flight-recorder pair until each
// reports ErrAgain. Flight-recorder channels are harvested exactly once,
// at trace teardown; no worker touches them while the daemon runs.
func (d *Daemon) DrainFlightRecorders(ctx context.Context) {
	d.mu.Lock()
	var flight []*pair
	for _, p := range d.pairs {
		if p.ch.FlightRecorder() {
			flight = append(flight, p)
		}
	}
	d.mu.Unlock()

	for _, p := range flight {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			didWork, err := p.drainOnce(d.metrics, d.sink)
			if err != nil {
				log.Printf("daemon: draining flight-recorder channel %q: %v", p.ch.Name(), err)
			}
			if !didWork {
				break
			}
		}
	}
}

// watchChannelRoot polls cfg.ChannelRoot on its own ticker goroutine, so a
// slow os.ReadDir never blocks an in-flight drain cycle, calling Discover
// on every new entry.
func (d *Daemon) watchChannelRoot() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.RootPoll)
	defer ticker.Stop()

	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			d.pollChannelRootOnce()
		}
	}
}

func (d *Daemon) pollChannelRootOnce() {
	entries, err := os.ReadDir(d.cfg.ChannelRoot)
	if err != nil {
		log.Printf("daemon: reading channel root %s: %v", d.cfg.ChannelRoot, err)
		return
	}
	for _, e := range entries {
		path := d.cfg.ChannelRoot + string(os.PathSeparator) + e.Name()
		d.mu.Lock()
		already := d.seen[path]
		d.seen[path] = true
		d.mu.Unlock()
		if already {
			continue
		}
		ch, tracePath, err := d.cfg.Discover(path)
		if err != nil {
			log.Printf("daemon: discovering channel at %s: %v", path, err)
			continue
		}
		if ch == nil {
			continue
		}
		if err := d.AddChannel(ch, tracePath); err != nil {
			log.Printf("daemon: adding discovered channel at %s: %v", path, err)
		}
	}
}
