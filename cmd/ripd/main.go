// Command ripd is the AMPR mesh RIPv2 reconciliation daemon: it wires
// internal/model's World to internal/osadapter's kernel boundary,
// internal/riplisten's packet source, internal/reconciler's decision
// algorithm, and internal/discovery's startup bootstrap.
//
// Grounded on original_source/main.c's init/riptide main loop and CLI
// flag table, reworked onto github.com/spf13/pflag the way
// otterscale-agent wires it directly for a POSIX-style flag set.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ampr-mesh/ripd/internal/discovery"
	"github.com/ampr-mesh/ripd/internal/model"
	"github.com/ampr-mesh/ripd/internal/osadapter"
	"github.com/ampr-mesh/ripd/internal/reconciler"
	"github.com/ampr-mesh/ripd/internal/rerr"
	"github.com/ampr-mesh/ripd/internal/riplisten"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		foreground  = pflag.BoolP("foreground", "d", false, "do not daemonize")
		dump        = pflag.BoolP("dump", "D", false, "dump discovered state to stdout and exit")
		createTable = pflag.IntP("create-rtable", "T", 44, "routing domain for tunnel creation and kernel mutation")
		bindTable   = pflag.IntP("bind-rtable", "B", 44, "routing domain for the listener socket")
		ignoreNets  = pflag.StringArrayP("ignore", "I", nil, "add net/cidr to acceptance policy as IGNORE")
		acceptNets  = pflag.StringArrayP("accept", "A", nil, "add net/cidr to acceptance policy as ACCEPT")
		staticIfs   = pflag.IntSliceP("static", "s", nil, "mark tunnel interface number as statically owned")
		replayFile  = pflag.StringP("file", "f", "", "read raw packets from path instead of the multicast socket")
		password    = pflag.StringP("password", "p", "", "shared RIPv2 authentication password")
	)
	pflag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if *foreground {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if pflag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: ripd [flags] <local-outer-ip> <local-inner-ip>")
		return 2
	}

	w := model.NewWorld()
	w.CreateRtable = *createTable
	w.BindRtable = *bindTable

	if err := applyAcceptance(w, *acceptNets, model.PolicyAccept); err != nil {
		log.Error("bad -A route", "err", err)
		return 1
	}
	if err := applyAcceptance(w, *ignoreNets, model.PolicyIgnore); err != nil {
		log.Error("bad -I route", "err", err)
		return 1
	}
	if len(*acceptNets) == 0 && len(*ignoreNets) == 0 {
		w.Acceptance.Insert(0, 0, model.PolicyAccept)
	}

	for _, n := range *staticIfs {
		if n < 0 {
			log.Error("bad -s interface number", "value", n)
			return 1
		}
		w.StaticIfnums.Set(uint(n))
		w.Ifnums.Set(uint(n))
	}

	outer, err := parseIPv4(pflag.Arg(0))
	if err != nil {
		log.Error("bad local outer address", "err", err)
		return 1
	}
	inner, err := parseIPv4(pflag.Arg(1))
	if err != nil {
		log.Error("bad local inner address", "err", err)
		return 1
	}
	w.LocalOuter = outer
	w.LocalInner = inner

	w.OS = osadapter.New(log)

	if err := discovery.Bootstrap(w, log, time.Now()); err != nil {
		log.Error("discovery failed", "err", err)
		return 1
	}

	if *dump {
		w.Dump(os.Stdout)
		return 0
	}

	var source riplisten.PacketSource
	if *replayFile != "" {
		fs, err := riplisten.NewFileSource(*replayFile)
		if err != nil {
			log.Error("opening replay file failed", "path", *replayFile, "err", err)
			return 1
		}
		defer fs.Close()
		source = fs
	} else {
		ms, err := riplisten.NewMulticastSource(w.BindRtable)
		if err != nil {
			log.Error("opening multicast listener failed", "err", err)
			return 1
		}
		defer ms.Close()
		source = ms
	}

	rec := reconciler.New(w, log)
	return mainLoop(source, rec, *password, log)
}

func mainLoop(source riplisten.PacketSource, rec *reconciler.Reconciler, password string, log *slog.Logger) int {
	for {
		packet, err := source.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("replay file exhausted, exiting")
				return 0
			}
			log.Error("socket error", "err", err)
			return 1
		}

		now := time.Now()
		advertisements, err := riplisten.Decode(packet, password)
		if err != nil {
			log.Info("packet rejected", "err", err)
			continue
		}
		for _, adv := range advertisements {
			if err := rec.Handle(adv, now); err != nil {
				log.Error("fatal error handling response", "err", err, "fatal", rerr.IsFatal(err))
				return 1
			}
		}
		if err := rec.Sweep(now); err != nil {
			log.Error("fatal error during expiration sweep", "err", err)
			return 1
		}
	}
}

func parseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}

func applyAcceptance(w *model.World, entries []string, policy model.Policy) error {
	for _, entry := range entries {
		addr, cidr, err := parseNetCIDR(entry)
		if err != nil {
			return err
		}
		w.Acceptance.Insert(addr, cidr, policy)
	}
	return nil
}

func parseNetCIDR(s string) (addr uint32, cidr uint8, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("bad route (use CIDR): %s", s)
	}
	addr, err = parseIPv4(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad route addr: %w", err)
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 0 || n > 32 {
		return 0, 0, fmt.Errorf("bad CIDR length: %s", parts[1])
	}
	return addr, uint8(n), nil
}
