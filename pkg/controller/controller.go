// Package controller implements the channel-tree lifecycle behind the
// tracectl CLI: `create | destroy | start | pause | create_start |
// pause_destroy`, persisting the channel tree as real mmap'd files under
// `<channel_root>/<trace>/<channel-name>/<cpu-index>` and optionally
// spawning a disk-writing daemon process against them.
package controller

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/ringtrace/ringtrace/pkg/channel"
	"github.com/ringtrace/ringtrace/pkg/ringbuf"
)

// Config drives Controller construction, mirroring the tracectl CLI
// surface.
type Config struct {
	Trace       string // mandatory positional trace name
	ChannelRoot string // --channel_root PATH
	Transport   string // --transport name (recorded, not interpreted further)
	WritePath   string // --write PATH: daemon binary to spawn on Start
	NumCPU      int    // defaults to runtime.NumCPU()
	Clock       ringbuf.Clock

	Channels map[string]*ChannelSpec
}

func (c Config) validated() (Config, error) {
	if c.Trace == "" {
		return c, fmt.Errorf("controller: ConfigError: a trace name is mandatory")
	}
	if c.ChannelRoot == "" {
		return c, fmt.Errorf("controller: ConfigError: --channel_root is mandatory")
	}
	if c.NumCPU <= 0 {
		c.NumCPU = runtime.NumCPU()
	}
	if len(c.Channels) == 0 {
		c.Channels = map[string]*ChannelSpec{"cpu": {Name: "cpu", Enable: true, BufNum: 4, BufSize: 4096}}
	}
	return c, nil
}

type openChannel struct {
	storage *ringbuf.FileRingStorage
	ch      *channel.Channel
	path    string
}

// Controller owns the live channel set for one trace and, optionally, the
// spawned daemon process writing it to disk.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	open   []*openChannel
	daemon *exec.Cmd
}

// New validates cfg; a missing trace name or channel root is fatal at
// startup.
func New(cfg Config) (*Controller, error) {
	cfg, err := cfg.validated()
	if err != nil {
		return nil, err
	}
	return &Controller{cfg: cfg}, nil
}

// traceDir returns <channel_root>/<trace>.
func (c *Controller) traceDir() string {
	return filepath.Join(c.cfg.ChannelRoot, c.cfg.Trace)
}

// channelPath returns the persisted path for one (channel, cpu) pair in
// the `<root>/<trace>/<channel-name>/<cpu-index>` tree.
func (c *Controller) channelPath(name string, cpu int) string {
	return filepath.Join(c.traceDir(), name, strconv.Itoa(cpu))
}

// Create persists the channel tree: one read-write FileRingStorage-backed
// file per (enabled channel, CPU).
func (c *Controller) Create() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, spec := range c.cfg.Channels {
		if !spec.Enable {
			continue
		}
		for cpu := 0; cpu < c.cfg.NumCPU; cpu++ {
			path := c.channelPath(spec.Name, cpu)
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("controller: ConfigError: creating channel directory for %s: %w", spec.Name, err)
			}
			storage, err := ringbuf.NewFileRingStorage(path, spec.BufNum, spec.BufSize, false)
			if err != nil {
				return fmt.Errorf("controller: creating channel %s cpu %d: %w", spec.Name, cpu, err)
			}
			ch, err := channel.New(storage, channel.Config{
				Name:       spec.Name,
				CPU:        cpu,
				SubbufSize: spec.BufSize,
				NSubbufs:   spec.BufNum,
				Overwrite:  spec.Overwrite,
				Clock:      c.cfg.Clock,
			}, nil)
			if err != nil {
				storage.Close()
				return fmt.Errorf("controller: opening channel %s cpu %d: %w", spec.Name, cpu, err)
			}
			c.open = append(c.open, &openChannel{storage: storage, ch: ch, path: path})
		}
	}
	return nil
}

// Destroy closes every open channel and removes the persisted channel tree
// for this trace.
func (c *Controller) Destroy() error {
	if err := c.Pause(); err != nil {
		return err
	}

	c.mu.Lock()
	open := c.open
	c.open = nil
	c.mu.Unlock()

	var firstErr error
	for _, oc := range open {
		if err := oc.ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(c.traceDir()); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("controller: removing channel tree: %w", err)
	}
	return firstErr
}

// Start spawns the daemon binary at --write against this trace's channel
// tree. A controller constructed without WritePath treats Start as a
// no-op: the channels Create already opened are ready for an embedded
// pkg/daemon.Daemon in the same process instead.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.WritePath == "" {
		return nil
	}
	if c.daemon != nil {
		return fmt.Errorf("controller: daemon already running for trace %s", c.cfg.Trace)
	}

	cmd := exec.Command(c.cfg.WritePath,
		"-t", filepath.Join(c.cfg.ChannelRoot, "trace-out", c.cfg.Trace),
		"-c", c.traceDir(),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("controller: IOFailure: spawning daemon %s: %w", c.cfg.WritePath, err)
	}
	c.daemon = cmd
	return nil
}

// Pause stops the spawned daemon process gracefully (SIGINT, then wait),
// without removing the channel tree. A controller with no spawned daemon
// is a no-op.
func (c *Controller) Pause() error {
	c.mu.Lock()
	cmd := c.daemon
	c.daemon = nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("controller: signaling daemon: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return fmt.Errorf("controller: waiting for daemon: %w", err)
		}
	}
	return nil
}

// CreateStart is the `create_start` shortcut.
func (c *Controller) CreateStart() error {
	if err := c.Create(); err != nil {
		return err
	}
	return c.Start()
}

// PauseDestroy is the `pause_destroy` shortcut.
func (c *Controller) PauseDestroy() error {
	return c.Destroy()
}

// Channels exposes the currently open (channel, cpu) pairs, e.g. so a caller
// can run an embedded pkg/daemon.Daemon against them in this same process
// instead of spawning --write.
func (c *Controller) Channels() []*channel.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*channel.Channel, len(c.open))
	for i, oc := range c.open {
		out[i] = oc.ch
	}
	return out
}

// ChannelPath returns the persisted path for an open channel, for wiring
// into Daemon.AddChannel's tracePath or a Discover callback.
func (c *Controller) ChannelPath(ch *channel.Channel) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, oc := range c.open {
		if oc.ch == ch {
			return oc.path, true
		}
	}
	return "", false
}

// Wait blocks until ctx is cancelled or the spawned daemon exits on its own,
// whichever comes first.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.daemon
	c.mu.Unlock()
	if cmd == nil {
		<-ctx.Done()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		return c.Pause()
	case err := <-done:
		c.mu.Lock()
		c.daemon = nil
		c.mu.Unlock()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				return err
			}
		}
		return nil
	}
}
