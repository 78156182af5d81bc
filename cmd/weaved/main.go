// weaved is an example Weave fabric node daemon. It wires a weave.Stack
// together with a concrete zap+lumberjack logging backend and runs it
// until interrupted.
//
// Usage:
//
//	weaved [options]
//
// Options:
//
//	-port       UDP/TCP listen port (default: 5540)
//	-node       local node ID, decimal or 0x-hex (default: 1)
//	-fabric     fabric ID, decimal or 0x-hex (default: 1)
//	-subnet     subnet ID (default: 1, primary WiFi)
//	-shortcut   enable the local mDNS shortcut cache (default: true)
//	-log-path   log file path (default: stdout)
//	-log-level  trace, debug, info, warn, or error (default: info)
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/openweave-go/weave/cmd/weaved/internal/wlog"
	"github.com/openweave-go/weave/pkg/fabric"
	"github.com/openweave-go/weave/pkg/shortcut"
	"github.com/openweave-go/weave/pkg/weave"
)

// options holds the CLI flags, mirroring the teacher's examples/common
// Options/ParseFlags pattern.
type options struct {
	Port           int
	NodeID         uint64
	FabricID       uint64
	Subnet         uint
	ShortcutEnable bool
	LogPath        string
	LogLevel       string
}

func defaultOptions() options {
	return options{
		Port:           5540,
		NodeID:         1,
		FabricID:       1,
		Subnet:         1,
		ShortcutEnable: true,
		LogLevel:       "info",
	}
}

func parseFlags() options {
	d := defaultOptions()
	o := options{}

	flag.IntVar(&o.Port, "port", d.Port, "UDP/TCP listen port")
	flag.Func("node", fmt.Sprintf("local node ID, decimal or 0x-hex (default: %d)", d.NodeID), func(s string) error {
		v, err := parseUint64(s)
		if err != nil {
			return err
		}
		o.NodeID = v
		return nil
	})
	flag.Func("fabric", fmt.Sprintf("fabric ID, decimal or 0x-hex (default: %d)", d.FabricID), func(s string) error {
		v, err := parseUint64(s)
		if err != nil {
			return err
		}
		o.FabricID = v
		return nil
	})
	flag.UintVar(&o.Subnet, "subnet", d.Subnet, "subnet ID")
	flag.BoolVar(&o.ShortcutEnable, "shortcut", d.ShortcutEnable, "enable the local mDNS shortcut cache")
	flag.StringVar(&o.LogPath, "log-path", "", "log file path (empty = stdout)")
	flag.StringVar(&o.LogLevel, "log-level", d.LogLevel, "trace, debug, info, warn, or error")

	flag.Parse()

	if o.NodeID == 0 && !isFlagSet("node") {
		o.NodeID = d.NodeID
	}
	if o.FabricID == 0 && !isFlagSet("fabric") {
		o.FabricID = d.FabricID
	}

	return o
}

func parseUint64(s string) (uint64, error) {
	var v uint64
	if _, err := fmt.Sscanf(s, "0x%x", &v); err == nil {
		return v, nil
	}
	if _, err := fmt.Sscanf(s, "%d", &v); err == nil {
		return v, nil
	}
	return 0, fmt.Errorf("invalid integer %q", s)
}

func isFlagSet(name string) bool {
	found := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

func main() {
	opts := parseFlags()

	factory, closeLog, err := wlog.NewFactory(wlog.Config{Path: opts.LogPath, Level: opts.LogLevel})
	if err != nil {
		log.Fatalf("weaved: logging setup: %v", err)
	}
	defer closeLog()

	logger := factory.NewLogger("weaved")

	cfg := weave.Config{
		LocalNodeID:   fabric.NodeID(opts.NodeID),
		FabricID:      fabric.FabricID(opts.FabricID),
		Subnet:        uint16(opts.Subnet),
		ListenPort:    opts.Port,
		LoggerFactory: factory,
	}
	if opts.ShortcutEnable {
		cfg.Shortcut = &shortcut.Config{}
	}

	stack, err := weave.New(cfg)
	if err != nil {
		logger.Errorf("create stack: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := stack.Start(ctx); err != nil {
		logger.Errorf("start stack: %v", err)
		os.Exit(1)
	}

	logger.Infof("weaved listening: node=%d fabric=%d port=%d", opts.NodeID, opts.FabricID, opts.Port)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := stack.Stop(); err != nil {
		logger.Errorf("stop stack: %v", err)
		os.Exit(1)
	}
}
