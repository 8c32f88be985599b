// Command tracedaemon is the disk-writing daemon entrypoint: it discovers
// per-CPU channel files under a channel-name directory created by
// tracectl's controller, drains them to a trace directory, and optionally
// side-exports sub-buffer metadata to a Parquet file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ringtrace/ringtrace/pkg/channel"
	"github.com/ringtrace/ringtrace/pkg/daemon"
	"github.com/ringtrace/ringtrace/pkg/ringbuf"
)

func main() {
	traceDir := flag.String("t", "", "trace output directory (mandatory)")
	channelDir := flag.String("c", "", "channel directory to drain: one file per CPU index (mandatory)")
	daemonize := flag.Bool("d", false, "daemonize (logged only: the process stays in the foreground)")
	appendMode := flag.Bool("a", false, "append to an existing trace instead of truncating")
	workers := flag.Int("N", 1, "worker thread count")
	flightOnly := flag.Bool("f", false, "drain only flight-recorder channels")
	normalOnly := flag.Bool("n", false, "drain only normal channels")
	bufNum := flag.Uint("bufnum", 4, "n_subbufs of every channel file under -c (must match how it was created)")
	bufSize := flag.Uint("bufsize", 4096, "subbuf_size of every channel file under -c (must match how it was created)")
	overwrite := flag.Bool("overwrite", false, "open discovered channels in overwrite mode")
	parquetPath := flag.String("parquet", "", "optional Parquet side-export file")
	rootPoll := flag.Duration("root-poll", time.Second, "channel-directory discovery poll interval")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :2112)")
	flag.Parse()

	if *traceDir == "" || *channelDir == "" {
		fmt.Fprintln(os.Stderr, "tracedaemon: ConfigError: -t and -c are mandatory")
		flag.Usage()
		os.Exit(int(syscall.EINVAL))
	}
	if *daemonize {
		log.Printf("tracedaemon: -d given, running in the foreground (this module never forks)")
	}

	registerer := prometheus.DefaultRegisterer
	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Printf("tracedaemon: serving metrics on %s/metrics", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Printf("tracedaemon: metrics server: %v", err)
			}
		}()
	}

	d, err := daemon.New(daemon.Config{
		TraceDir:     *traceDir,
		ChannelRoot:  *channelDir,
		Append:       *appendMode,
		Workers:      *workers,
		FlightOnly:   *flightOnly,
		NormalOnly:   *normalOnly,
		ParquetPath:  *parquetPath,
		RootPoll:     *rootPoll,
		Registerer:   registerer,
		Discover:     newDiscoverer(*traceDir, *channelDir, uint32(*bufNum), uint32(*bufSize), *overwrite),
	})
	if err != nil {
		log.Printf("tracedaemon: %v", err)
		os.Exit(int(syscall.EINVAL))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Run(ctx); err != nil {
		log.Fatalf("tracedaemon: %v", err)
	}
	if err := d.Shutdown(context.Background()); err != nil {
		log.Printf("tracedaemon: shutdown: %v", err)
	}
}

// newDiscoverer builds pkg/daemon's Discover callback for a channel
// directory laid out as <channelDir>/<cpu-index>, one FileRingStorage-backed
// file per CPU, as persisted by pkg/controller's Create. The channel's
// logical name is the channel directory's own base name, so the per-CPU
// trace file mirrors it under traceDir/<name>/<cpu-index>.
func newDiscoverer(traceDir, channelDir string, bufNum, bufSize uint32, overwrite bool) func(string) (*channel.Channel, string, error) {
	name := filepath.Base(channelDir)
	return func(path string) (*channel.Channel, string, error) {
		cpu, err := strconv.Atoi(filepath.Base(path))
		if err != nil {
			// Not a CPU-index file (e.g. a stray entry); skip it silently.
			return nil, "", nil
		}

		storage, err := ringbuf.NewFileRingStorage(path, bufNum, bufSize, true)
		if err != nil {
			return nil, "", fmt.Errorf("tracedaemon: opening channel file %s: %w", path, err)
		}
		ch, err := channel.New(storage, channel.Config{
			Name:       name,
			CPU:        cpu,
			SubbufSize: bufSize,
			NSubbufs:   bufNum,
			Overwrite:  overwrite,
			Clock:      ringbuf.NewSoftwareClock(1000000),
		}, nil)
		if err != nil {
			storage.Close()
			return nil, "", fmt.Errorf("tracedaemon: opening channel %s cpu %d: %w", name, cpu, err)
		}

		tracePath := filepath.Join(traceDir, name, strconv.Itoa(cpu))
		if err := os.MkdirAll(filepath.Dir(tracePath), 0o755); err != nil {
			ch.Close()
			return nil, "", fmt.Errorf("tracedaemon: creating trace output directory: %w", err)
		}
		return ch, tracePath, nil
	}
}
