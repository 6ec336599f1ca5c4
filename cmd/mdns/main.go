// Command mdns browses, publishes and enumerates services on the local network.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/betamos/mdns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

var (
	browse   = pflag.BoolP("browse", "b", false, "Browse for services continuously.")
	lookup   = pflag.BoolP("lookup", "l", false, "Run a one-shot query and print the results.")
	discover = pflag.BoolP("discover", "d", false, "Enumerate the service types on the network.")
	name     = pflag.StringP("publish", "p", "", "Publish a service with the given name.")

	typeStr = pflag.StringP("type", "t", "_mdns-go._tcp", "The service type, with optional subtypes after commas.")

	hostname = pflag.String("hostname", "", "Override hostname for the service.")
	port     = pflag.Uint16("port", 42424, "Port for the published service.")
	addrs    = pflag.StringSlice("addrs", nil, "Override IP addrs for the service.")
	text     = pflag.StringSlice("text", nil, "Text values for the service.")

	ifaces  = pflag.StringSlice("iface", nil, "Restrict to interfaces, by name or address.")
	ipType  = ipTypeFlag(mdns.IPv4AndIPv6)
	expiry  = pflag.Duration("expiry", 0, "Cap received TTLs to this duration.")
	timeout = pflag.Duration("timeout", 3*time.Second, "Duration of one-shot queries.")
	metrics = pflag.String("metrics", "", "Serve Prometheus metrics on this address, e.g. `:9153`.")

	verbose = pflag.BoolP("verbose", "v", false, "Verbose mode, with debug output.")
)

func init() {
	pflag.Var(&ipType, "ip", "IP protocols to use: ipv4, ipv6 or ipv4+ipv6.")
}

func main() {
	pflag.Parse()

	if *verbose {
		var level = new(slog.LevelVar) // Info by default
		level.Set(slog.LevelDebug)
		h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		slog.SetDefault(slog.New(h))
	} else {
		log.SetFlags(log.Ltime)
	}
	if !*browse && !*lookup && !*discover && *name == "" {
		log.Fatalln("one of --browse, --lookup, --discover or --publish <name> must be provided (see --help)")
	}
	if *metrics != "" {
		serveMetrics(*metrics)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := mdns.New().
		Logger(slog.Default()).
		Expiry(*expiry).
		QueryTimeout(*timeout).
		IPType(mdns.IPType(ipType)).
		SelectInterfaces(*ifaces...)
	if *hostname != "" {
		opts.Hostname(*hostname)
	}
	engine, err := opts.Open()
	if err != nil {
		log.Fatalln("failed opening engine:", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Println("failed closing engine:", err)
		}
	}()

	ty := mdns.NewType(*typeStr)
	if err := run(ctx, engine, ty); err != nil && !errors.Is(err, context.Canceled) {
		log.Println(err)
	}
}

func run(ctx context.Context, engine *mdns.Engine, ty *mdns.Type) error {
	switch {
	case *discover:
		types, err := engine.DiscoverTypes(ctx)
		if err != nil {
			return err
		}
		for _, ty := range types {
			log.Println(ty)
		}
		return nil
	case *lookup:
		instances, err := engine.Lookup(ctx, ty)
		if err != nil {
			return err
		}
		for _, inst := range instances {
			log.Printf("%v:%d %v %v", inst, inst.Port, inst.Addrs, inst.Text)
		}
		return nil
	}

	if *name != "" {
		svc := mdns.NewService(ty, *name, *port)
		svc.Text = *text
		for _, addr := range *addrs {
			svc.Addrs = append(svc.Addrs, netip.MustParseAddr(addr))
		}
		log.Printf("publishing to [%v]: %v", ty, svc)
		h, err := engine.Register(ctx, svc)
		if err != nil {
			return err
		}
		log.Printf("published as %q", h.Service().Name)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = engine.Unregister(ctx, h)
		}()
	}
	if *browse {
		q, err := engine.StartQuery(ty)
		if err != nil {
			return err
		}
		defer q.Stop()
		log.Printf("browsing for [%v]", ty)
		for ev := range q.Events(ctx) {
			log.Printf("%v %v:%d %v", ev.Op, ev.Instance, ev.Port, ev.Addrs)
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func serveMetrics(addr string) {
	reg := prometheus.NewRegistry()
	mdns.RegisterMonitoring(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Println("metrics server failed:", err)
		}
	}()
}

// ipTypeFlag is a pflag.Value implementation that stores an IP type.
type ipTypeFlag mdns.IPType

var _ pflag.Value = (*ipTypeFlag)(nil)

func (f *ipTypeFlag) String() string { return mdns.IPType(*f).String() }

// Set implements pflag.Value.
func (f *ipTypeFlag) Set(v string) error {
	for _, t := range []mdns.IPType{mdns.IPv4, mdns.IPv6, mdns.IPv4AndIPv6} {
		if t.String() == v {
			*f = ipTypeFlag(t)
			return nil
		}
	}
	return errors.New("unknown ip type, expected ipv4, ipv6 or ipv4+ipv6")
}

// Type implements pflag.Value.
func (f *ipTypeFlag) Type() string { return "ipType" }
