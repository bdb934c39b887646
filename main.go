// Command quictun is the tunnel's CLI entry point: a server subcommand
// that accepts QUIC connections and a client subcommand that connects to
// one and dispatches a list of remotes. Grounded on the teacher's
// flag-based main.go, generalized from its fixed near/far modes to the
// tunnel's server/client subcommands and remote-string grammar.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"quictun/internal/client"
	"quictun/internal/config"
	"quictun/internal/limiter"
	"quictun/internal/remote"
	"quictun/internal/server"
	"quictun/internal/status"
	"quictun/internal/statusapi"
	"quictun/internal/tlsconfig"
	"quictun/internal/verbose"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "client":
		runClient(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: quictun server [flags]")
	fmt.Fprintln(os.Stderr, "       quictun client <server-host:port> <remote>... [flags]")
}

// setupLogging redirects the standard logger to a rotating file when one
// is configured, matching the teacher's go.mod lumberjack dependency.
func setupLogging(logfile string) {
	if logfile == "" {
		return
	}
	log.SetOutput(&lumberjack.Logger{
		Filename:   logfile,
		MaxSize:    20,
		MaxBackups: 5,
		MaxAge:     28,
	})
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	host := fs.String("host", "0.0.0.0", "address to listen on")
	port := fs.Int("port", 8080, "port to listen on")
	allowReverse := fs.Bool("allow-reverse", false, "allow clients to request reversed remotes")
	verboseFlag := fs.Bool("v", false, "enable verbose logging")
	debugFlag := fs.Bool("debug", false, "enable verbose logging")
	configPath := fs.String("config", "", "optional YAML config file")
	certFile := fs.String("cert", "", "PEM certificate file (self-signed generated if omitted)")
	keyFile := fs.String("key", "", "PEM key file (self-signed generated if omitted)")
	rateLimit := fs.Int64("rate-limit", 0, "bandwidth limit in bytes/sec (0 = unbounded)")
	iface := fs.String("interface", "", "bind the QUIC socket to this network interface (Linux only)")
	logfile := fs.String("logfile", "", "rotate server logs to this file instead of stderr")
	apiAddr := fs.String("api-addr", "", "serve flow status as JSON on this address (disabled if empty)")
	fs.Parse(args)

	fileCfg := loadOptionalConfig(*configPath)
	if fileCfg != nil {
		if *rateLimit == 0 {
			*rateLimit = int64(fileCfg.RateLimit)
		}
		if *iface == "" {
			*iface = fileCfg.Interface
		}
		if !*allowReverse {
			*allowReverse = fileCfg.AllowReverse
		}
		if *logfile == "" && fileCfg.Log != nil {
			*logfile = fileCfg.Log.Filename
		}
	}

	verbose.Set(*verboseFlag || *debugFlag)
	setupLogging(*logfile)

	tlsCfg, err := tlsconfig.ServerTLSConfig(*certFile, *keyFile)
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	var lim *limiter.Limiter
	if *rateLimit > 0 {
		lim = limiter.New(*rateLimit)
	}

	pc, err := bindInterface(*iface, *port)
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	srv, err := server.Listen(addr, tlsCfg, pc)
	if err != nil {
		log.Fatalf("server: %v", err)
	}
	srv.AllowReverse = *allowReverse
	srv.Limiter = lim

	stop := make(chan struct{})
	status.Global.StartPeriodicLogging(15*time.Second, stop)
	defer close(stop)

	if *apiAddr != "" {
		api := statusapi.NewServer(*apiAddr, lim)
		if err := api.Start(); err != nil {
			log.Fatalf("server: status api: %v", err)
		}
		defer api.Stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server: %v", err)
	}
}

func runClient(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	verboseFlag := fs.Bool("v", false, "enable verbose logging")
	debugFlag := fs.Bool("debug", false, "enable verbose logging")
	configPath := fs.String("config", "", "optional YAML config file")
	rateLimit := fs.Int64("rate-limit", 0, "bandwidth limit in bytes/sec (0 = unbounded)")
	iface := fs.String("interface", "", "bind the QUIC socket to this network interface (Linux only)")
	logfile := fs.String("logfile", "", "rotate client logs to this file instead of stderr")
	apiAddr := fs.String("api-addr", "", "serve flow status as JSON on this address (disabled if empty)")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		usage()
		os.Exit(2)
	}
	serverAddr := rest[0]
	cliRemoteStrings := rest[1:]

	cliRemotes, err := remote.ParseAll(cliRemoteStrings)
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	fileCfg := loadOptionalConfig(*configPath)
	if fileCfg != nil {
		if *rateLimit == 0 {
			*rateLimit = int64(fileCfg.RateLimit)
		}
		if *iface == "" {
			*iface = fileCfg.Interface
		}
		if *logfile == "" && fileCfg.Log != nil {
			*logfile = fileCfg.Log.Filename
		}
	}

	verbose.Set(*verboseFlag || *debugFlag)
	setupLogging(*logfile)

	remotes := cliRemotes
	if fileCfg != nil {
		remotes, err = config.MergeRemotes(cliRemotes, fileCfg.Remotes)
		if err != nil {
			log.Fatalf("client: %v", err)
		}
	}
	if len(remotes) == 0 {
		log.Fatalf("client: at least one remote is required")
	}

	var lim *limiter.Limiter
	if *rateLimit > 0 {
		lim = limiter.New(*rateLimit)
	}

	pc, err := bindInterface(*iface, 0)
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := client.Connect(ctx, serverAddr, tlsconfig.ClientTLSConfig(), pc)
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	stop := make(chan struct{})
	status.Global.StartPeriodicLogging(15*time.Second, stop)
	defer close(stop)

	if *apiAddr != "" {
		api := statusapi.NewServer(*apiAddr, lim)
		if err := api.Start(); err != nil {
			log.Fatalf("client: status api: %v", err)
		}
		defer api.Stop()
	}

	if err := c.Run(ctx, remotes, lim); err != nil {
		log.Fatalf("client: %v", err)
	}
}

func loadOptionalConfig(path string) *config.File {
	if path == "" {
		return nil
	}
	f, err := config.Load(path)
	if err != nil {
		log.Fatalf("quictun: %v", err)
	}
	return f
}

// bindInterface returns nil when no interface is requested, so callers
// pass it straight through to server.Listen/client.Connect, which fall
// back to an unbound socket.
func bindInterface(iface string, port int) (net.PacketConn, error) {
	if iface == "" {
		return nil, nil
	}
	return tlsconfig.ListenPacketOnInterface(iface, port)
}
