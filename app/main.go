package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"
	"github.com/jessevdk/go-flags"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/umputun/feed-notifier/app/api"
	"github.com/umputun/feed-notifier/app/bus"
	"github.com/umputun/feed-notifier/app/feed"
	"github.com/umputun/feed-notifier/app/proc"
	"github.com/umputun/feed-notifier/app/store"
)

type options struct {
	Conf string `short:"f" long:"conf" env:"FN_CONF" description:"config file (yml)"`

	FeedURL    string `long:"feed-url" env:"FN_FEED_URL" default:"http://localhost:8080/api/v1/feed" description:"feed endpoint"`
	Feed       string `long:"feed" env:"FN_FEED" description:"feed name, overrides config"`
	Username   string `long:"username" env:"FN_USERNAME" description:"own username, overrides config"`
	Restricted bool   `long:"restricted" env:"FN_RESTRICTED" description:"restricted role, overrides config"`
	Actors     int    `long:"actors" env:"FN_ACTORS" default:"1" description:"number of actors in this process"`

	Store string `long:"store" env:"FN_STORE" choice:"bolt" choice:"nats" choice:"memory" default:"bolt" description:"shared state storage"` // nolint
	DB    string `short:"c" long:"db" env:"FN_DB" default:"var/feed-notifier.bdb" description:"bolt db file"`

	Bus          string `long:"bus" env:"FN_BUS" choice:"local" choice:"nats" default:"local" description:"fanout transport"` // nolint
	NatsURL      string `long:"nats" env:"FN_NATS" default:"nats://127.0.0.1:4222" description:"nats server url"`
	NatsEmbedded bool   `long:"nats-embedded" env:"FN_NATS_EMBEDDED" description:"run embedded nats server"`
	NatsDir      string `long:"nats-dir" env:"FN_NATS_DIR" default:"var/nats" description:"embedded nats jetstream dir"`
	NatsBucket   string `long:"nats-bucket" env:"FN_NATS_BUCKET" default:"feed-notifier" description:"nats kv bucket"`

	Heartbeat    time.Duration `long:"heartbeat" env:"FN_HEARTBEAT" description:"lease heartbeat, overrides config"`
	LeaseTTL     time.Duration `long:"lease-ttl" env:"FN_LEASE_TTL" description:"lease ttl, overrides config"`
	PollInterval time.Duration `long:"poll-interval" env:"FN_POLL_INTERVAL" description:"poll interval, overrides config"`

	TelegramServer  string        `long:"telegram-server" env:"TELEGRAM_SERVER" default:"https://api.telegram.org" description:"telegram bot api server"`
	TelegramToken   string        `long:"telegram-token" env:"TELEGRAM_TOKEN" description:"telegram token"`
	TelegramChannel string        `long:"telegram-channel" env:"TELEGRAM_CHANNEL" description:"telegram channel or chat id"`
	TelegramTimeout time.Duration `long:"telegram-timeout" env:"TELEGRAM_TIMEOUT" default:"1m" description:"telegram timeout"`

	Serve   int    `long:"serve" env:"FN_SERVE" description:"run feed server on this port"`
	ServeDB string `long:"serve-db" env:"FN_SERVE_DB" default:"var/feed-items.bdb" description:"feed server items db"`
	Metrics string `long:"metrics" env:"FN_METRICS" description:"prometheus listen address, e.g. :9090"`
	Dbg     bool   `long:"dbg" env:"DEBUG" description:"debug mode"`
}

var revision = "local"

func main() {
	fmt.Printf("feed-notifier %s\n", revision)
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	setupLog(opts.Dbg)

	conf, err := makeConf(opts)
	if err != nil {
		log.Fatalf("[ERROR] bad configuration, %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { // catch signal and cancel context
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		log.Print("[WARN] interrupt signal")
		cancel()
	}()

	if err := run(ctx, opts, conf); err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
}

// run wires storage, transport and notifiers, then runs actors until ctx is done
func run(ctx context.Context, opts options, conf proc.Conf) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var nc *nats.Conn
	if opts.Store == "nats" || opts.Bus == "nats" {
		url := opts.NatsURL
		if opts.NatsEmbedded {
			ns, err := startNatsServer(opts.NatsDir)
			if err != nil {
				return err
			}
			defer ns.WaitForShutdown()
			defer ns.Shutdown()
			url = ns.ClientURL()
		}
		conn, err := nats.Connect(url, nats.Name("feed-notifier"), nats.MaxReconnects(-1))
		if err != nil {
			return errors.Wrapf(err, "can't connect to nats %s", url)
		}
		defer conn.Close()
		nc = conn
	}

	state, closeState, err := makeState(ctx, opts, nc)
	if err != nil {
		return err
	}
	defer closeState()

	fanout, closeBus := makeBus(opts, nc)
	defer closeBus()

	notifier := proc.MultiNotifier{proc.LogNotifier{L: log.Default()}}
	if opts.TelegramToken != "" {
		tg, e := proc.NewTelegramNotifier(opts.TelegramToken, opts.TelegramServer, opts.TelegramChannel, opts.TelegramTimeout)
		if e != nil {
			return errors.Wrap(e, "failed to initialize telegram client")
		}
		go tg.Start()
		defer tg.Stop()
		notifier = append(notifier, tg)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := proc.NewMetrics(reg)

	fetcher := feed.NewClient(opts.FeedURL, conf.System.FetchTimeout)
	actors := make([]*proc.Actor, 0, opts.Actors)
	for i := 0; i < opts.Actors; i++ {
		a, e := proc.NewActor(proc.Params{Conf: conf, State: state, Bus: fanout, Fetcher: fetcher,
			Notifier: notifier, Metrics: metrics})
		if e != nil {
			return errors.Wrap(e, "can't make actor")
		}
		actors = append(actors, a)
	}

	wg := syncs.NewErrSizedGroup(len(actors)+2, syncs.Context(ctx))
	if opts.Serve > 0 {
		items, e := store.NewBoltItems(opts.ServeDB)
		if e != nil {
			return errors.Wrapf(e, "can't open items db %s", opts.ServeDB)
		}
		defer items.Close() // nolint
		srv := api.Server{Version: revision, Items: items}
		wg.Go(func() error { return srv.Run(ctx, opts.Serve) })
	}
	if opts.Metrics != "" {
		wg.Go(func() error { return serveMetrics(ctx, opts.Metrics, reg) })
	}

	log.Printf("[INFO] start %d actor(s) for feed %q, store %s, bus %s", len(actors), conf.Feed, opts.Store, opts.Bus)
	for _, a := range actors {
		a := a
		wg.Go(func() error {
			if e := a.Run(ctx); e != nil && !errors.Is(e, context.Canceled) {
				return errors.Wrapf(e, "actor %s failed", a.ID())
			}
			return nil
		})
	}
	return wg.Wait()
}

func makeConf(opts options) (proc.Conf, error) {
	conf := proc.Conf{}
	if opts.Conf != "" {
		c, err := loadConfig(opts.Conf)
		if err != nil {
			return proc.Conf{}, errors.Wrapf(err, "can't load config %s", opts.Conf)
		}
		conf = *c
	}

	if opts.Feed != "" {
		conf.Feed = opts.Feed
	}
	if opts.Username != "" {
		conf.Username = opts.Username
	}
	if opts.Restricted {
		conf.Restricted = true
	}
	if opts.Heartbeat > 0 {
		conf.System.Heartbeat = opts.Heartbeat
	}
	if opts.LeaseTTL > 0 {
		conf.System.LeaseTTL = opts.LeaseTTL
	}
	if opts.PollInterval > 0 {
		conf.System.PollInterval = opts.PollInterval
	}
	if opts.Actors < 1 {
		return proc.Conf{}, errors.Errorf("at least one actor required, got %d", opts.Actors)
	}

	conf.SetDefaults()
	return conf, conf.Validate()
}

func makeState(ctx context.Context, opts options, nc *nats.Conn) (store.State, func(), error) {
	switch opts.Store {
	case "memory":
		log.Print("[WARN] memory store, shared state is not persisted")
		return store.NewMemory(), func() {}, nil
	case "nats":
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, nil, errors.Wrap(err, "can't make jetstream context")
		}
		kv, err := store.NewNatsKV(ctx, js, opts.NatsBucket)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil
	default:
		db, err := store.NewBoltState(opts.DB)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "can't open db %s", opts.DB)
		}
		return db, func() {
			if e := db.Close(); e != nil {
				log.Printf("[WARN] can't close db %s, %v", opts.DB, e)
			}
		}, nil
	}
}

func makeBus(opts options, nc *nats.Conn) (bus.Bus, func()) {
	if opts.Bus == "nats" {
		return &bus.Nats{Conn: nc, Prefix: "feed-notifier"}, func() {}
	}
	l := bus.NewLocal()
	return l, func() { _ = l.Close() }
}

func startNatsServer(dir string) (*server.Server, error) {
	storeDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "bad nats dir %s", dir)
	}
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, JetStream: true, StoreDir: storeDir, NoLog: true})
	if err != nil {
		return nil, errors.Wrap(err, "can't make embedded nats server")
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server not ready")
	}
	log.Printf("[INFO] embedded nats server on %s", ns.ClientURL())
	return ns, nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Printf("[INFO] metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server failed")
	}
	return nil
}

func loadConfig(fname string) (res *proc.Conf, err error) {
	res = &proc.Conf{}
	data, err := os.ReadFile(fname) // nolint
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, res); err != nil {
		return nil, err
	}

	return res, nil
}

func setupLog(dbg bool) {
	if dbg {
		log.Setup(log.Debug, log.CallerFile, log.Msec, log.LevelBraces)
		return
	}
	log.Setup(log.Msec, log.LevelBraces)
}
