package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"udptcp/internal/config"
	"udptcp/internal/tunlog"
	"udptcp/internal/tunnel"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("udptcp", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var raw config.RawArgs
	fs.StringVar(&raw.TCPListen, "tcp-listen", "", "run as the listen side, bound to this TCP address")
	fs.StringVar(&raw.TCPListen, "l", "", "shorthand for --tcp-listen")
	fs.StringVar(&raw.TCPConnect, "tcp-connect", "", "run as the connect side, dialing this TCP address")
	fs.StringVar(&raw.TCPConnect, "t", "", "shorthand for --tcp-connect")
	fs.StringVar(&raw.UDPBind, "udp-bind", "", "UDP address to bind, or 'auto'/'ip:auto'")
	fs.StringVar(&raw.UDPBind, "u", "", "shorthand for --udp-bind")
	fs.StringVar(&raw.UDPSendTo, "udp-sendto", "", "UDP address to relay decoded frames to, or 'auto'/'ip:auto'")
	fs.StringVar(&raw.UDPSendTo, "p", "", "shorthand for --udp-sendto")
	fs.BoolVar(&raw.Verbose, "verbose", false, "enable info-level logging")
	fs.BoolVar(&raw.Verbose, "v", false, "shorthand for --verbose")
	fs.BoolVar(&raw.Debug, "debug", false, "enable debug-level logging")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return 0
		}
		return 1
	}

	opts, err := config.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "udptcp: %v\n", err)
		if err == config.ErrMissingTCPEndpoint {
			return 1
		}
		return 2
	}

	logger := tunlog.New(tunlog.LevelFromFlags(opts.Verbose, opts.Debug))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Infof("starting as %s role, tcp=%s udp-bind=%s udp-sendto=%s", opts.Role, opts.TCPAddr, opts.UDPBind, opts.UDPSendTo)

	var runErr error
	if opts.Role == config.RoleListen {
		runErr = tunnel.RunListen(ctx, opts, logger)
	} else {
		runErr = tunnel.RunConnect(ctx, opts, logger)
	}

	if runErr != nil {
		logger.Errorf("exiting: %v", runErr)
		return 3
	}
	return 0
}
