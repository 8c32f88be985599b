// Command tracectl is the channel-tree lifecycle controller:
// create | destroy | start | pause | create_start | pause_destroy, with
// per-channel -o options and an optional --write PATH that spawns a
// tracedaemon process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ringtrace/ringtrace/pkg/controller"
)

// stringList accumulates repeated -o flags, since flag does not support
// multi-valued string flags natively.
type stringList []string

func (l *stringList) String() string     { return fmt.Sprint([]string(*l)) }
func (l *stringList) Set(v string) error { *l = append(*l, v); return nil }

func main() {
	var options stringList
	flag.Var(&options, "o", "channel.<name>.{enable,overwrite,bufnum,bufsize}=value (repeatable)")
	channelRoot := flag.String("channel_root", "", "channel root directory (mandatory)")
	transport := flag.String("transport", "", "transport name (recorded, not interpreted by this module)")
	writePath := flag.String("write", "", "daemon binary to spawn via --write")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: tracectl [-o ...] [--channel_root PATH] [--transport NAME] [--write PATH] <command> <trace-name>")
		fmt.Fprintln(os.Stderr, "commands: create | destroy | start | pause | create_start | pause_destroy")
		os.Exit(int(syscall.EINVAL))
	}
	command, trace := args[0], args[1]

	switch command {
	case "create", "destroy", "start", "pause", "create_start", "pause_destroy":
	default:
		log.Printf("tracectl: ConfigError: unknown command %q (want create|destroy|start|pause|create_start|pause_destroy)", command)
		os.Exit(int(syscall.EINVAL))
	}

	channels := map[string]*controller.ChannelSpec{}
	for _, o := range options {
		if err := controller.ApplyOption(channels, o); err != nil {
			log.Printf("tracectl: %v", err)
			os.Exit(int(syscall.EINVAL))
		}
	}

	ctrl, err := controller.New(controller.Config{
		Trace:       trace,
		ChannelRoot: *channelRoot,
		Transport:   *transport,
		WritePath:   *writePath,
		Channels:    channels,
	})
	if err != nil {
		log.Printf("tracectl: %v", err)
		os.Exit(int(syscall.EINVAL))
	}

	if err := runCommand(ctrl, command); err != nil {
		log.Fatalf("tracectl: %s: %v", command, err)
	}
}

func runCommand(ctrl *controller.Controller, command string) error {
	switch command {
	case "create":
		return ctrl.Create()
	case "destroy":
		return ctrl.Destroy()
	case "start":
		return runAndWait(ctrl)
	case "pause":
		return ctrl.Pause()
	case "create_start":
		if err := ctrl.CreateStart(); err != nil {
			return err
		}
		return waitForSignal(ctrl)
	case "pause_destroy":
		return ctrl.PauseDestroy()
	default:
		return fmt.Errorf("ConfigError: unknown command %q (want create|destroy|start|pause|create_start|pause_destroy)", command)
	}
}

func runAndWait(ctrl *controller.Controller) error {
	if err := ctrl.Start(); err != nil {
		return err
	}
	return waitForSignal(ctrl)
}

// waitForSignal blocks until SIGINT/SIGTERM, then pauses the spawned daemon
// gracefully.
func waitForSignal(ctrl *controller.Controller) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		log.Printf("tracectl: received signal, pausing")
		cancel()
	}()

	return ctrl.Wait(ctx)
}
