package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bringyour/deltahub/hub"
	"github.com/bringyour/deltahub/hub/history"
	"github.com/bringyour/deltahub/hub/metadata"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Delta hub.

Distributes signal k deltas from data sources to websocket clients.

Usage:
    deltahub serve [--config=<config>]
        [--listen=<listen>]
        [--self=<self>]
        [--metadata=<metadata>]
        [--history=<provider>] [--history_path=<history_path>]
        [--v=<v>]
    deltahub validate-config --config=<config>
    deltahub -h | --help
    deltahub --version

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                Yaml config file.
    --listen=<listen>                Listen address, e.g. :3000.
    --self=<self>                    The self context, e.g. vessels.urn:mrn:imo:mmsi:230099999.
    --metadata=<metadata>            Yaml or json metadata file, reloaded on change.
    --history=<provider>             none, memory, file or postgres.
    --history_path=<history_path>    History file for the file provider.
    --v=<v>                          Log verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if validateConfig_, _ := opts.Bool("validate-config"); validateConfig_ {
		validateConfig(opts)
	}
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if v, err := opts.String("--v"); err == nil {
		flag.Set("v", v)
	}
	flag.CommandLine.Parse([]string{})
}

func loadConfig(opts docopt.Opts) *hub.Config {
	config := hub.DefaultConfig()
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config, err = hub.LoadConfig(configPath)
		if err != nil {
			fmt.Printf("%s\n", err)
			os.Exit(1)
		}
	}
	if err := config.ApplyEnv(os.Getenv); err != nil {
		fmt.Printf("%s\n", err)
		os.Exit(1)
	}
	if listen, err := opts.String("--listen"); err == nil && listen != "" {
		config.Listen = listen
	}
	if self, err := opts.String("--self"); err == nil && self != "" {
		config.SelfContext = self
	}
	if metadataPath, err := opts.String("--metadata"); err == nil && metadataPath != "" {
		config.MetadataFile = metadataPath
	}
	if provider, err := opts.String("--history"); err == nil && provider != "" {
		config.History.Provider = provider
		config.History.Record = true
	}
	if historyPath, err := opts.String("--history_path"); err == nil && historyPath != "" {
		config.History.Path = historyPath
	}
	return config
}

func validateConfig(opts docopt.Opts) {
	configPath, _ := opts.String("--config")
	if _, err := hub.LoadConfig(configPath); err != nil {
		fmt.Printf("%s\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s ok\n", configPath)
}

func serve(opts docopt.Opts) {
	initGlog(opts)
	defer glog.Flush()

	config := loadConfig(opts)

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := hub.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	security, err := config.NewSecurity()
	if err != nil {
		panic(err)
	}

	metrics := hub.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(registry); err != nil {
		panic(err)
	}

	hubOptions := hub.HubOptions{
		Security: security,
		Metrics:  metrics,
	}

	if config.MetadataFile != "" {
		fileMetadata, err := metadata.NewFileMetadataWithDefaults(config.MetadataFile)
		if err != nil {
			panic(err)
		}
		if err := fileMetadata.Watch(ctx); err != nil {
			glog.Infof("[main]metadata watch error = %s\n", err)
		}
		hubOptions.Metadata = fileMetadata
	}

	store, err := history.NewStore(&config.History)
	if err != nil {
		panic(err)
	}
	if store != nil {
		defer store.Close()
		hubOptions.History = store
	}

	hubSettings := config.HubSettings()
	hubSettings.Version = RequireVersion()
	deltaHub := hub.NewHub(ctx, hubSettings, hubOptions)
	defer deltaHub.Close()

	if store != nil && config.History.Record {
		recorder := history.NewRecorderWithDefaults(ctx, deltaHub, store)
		defer recorder.Close()
	}

	server := hub.NewServer(deltaHub, config.ServerSettings())
	mux := http.NewServeMux()
	server.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    config.Listen,
		Handler: mux,
	}

	fmt.Printf(
		"Delta hub %s (self %s) on %s\n",
		RequireVersion(),
		config.SelfContext,
		config.Listen,
	)

	go func() {
		defer event.Set()
		err := httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			fmt.Printf("server error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	// hijacked websockets are not tracked by the http server, so end the sessions first
	deltaHub.Close()
	httpServer.Shutdown(shutdownCtx)
}

func RequireVersion() string {
	if version := os.Getenv("DELTAHUB_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
