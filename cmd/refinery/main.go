package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"refinery/internal/config"
	"refinery/internal/engine"
	"refinery/internal/metrics"
	"refinery/internal/metrics/datadog"
	"refinery/internal/metrics/prompush"
	"refinery/internal/storage"

	// register all backends with the storage factory; the -storage flag
	// selects which one runs.
	_ "refinery/internal/storage/all"
)

// main is the entry point for the pipeline runner. It loads and compiles the
// pipeline document, optionally initializes a metrics backend, opens the
// storage backend, and executes the run.
func main() {
	var (
		cfgPath           string
		metricsBackendFlg string
		pushGatewayURLFlg string
		statsdAddrFlg     string
		storageKind       string
		dsn               string
		concurrency       int
		opTimeout         time.Duration
		autoCreate        bool
		validate          bool
	)

	flag.StringVar(&cfgPath, "config", "configs/pipelines/sample.json", "pipeline document path (JSON or YAML)")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "none", "metrics backend to use (pushgateway, datadog, none)")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.StringVar(&statsdAddrFlg, "statsd-addr", "127.0.0.1:8125", "dogstatsd address for the datadog backend")
	flag.StringVar(&storageKind, "storage", "sqlite", "storage backend (memory, sqlite, postgres)")
	flag.StringVar(&dsn, "dsn", "refinery.db", "storage DSN (file path for sqlite)")
	flag.IntVar(&concurrency, "concurrency", 0, "max target tables evaluated at once (0 = default)")
	flag.DurationVar(&opTimeout, "op-timeout", 0, "per-invocation timeout for registered operations (0 = default)")
	flag.BoolVar(&autoCreate, "auto-create", true, "create missing target tables from the committed column set")
	flag.BoolVar(&validate, "validate", false, "validate and compile the document, then exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	spec, err := config.Load(cfgPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	for _, iss := range config.Lint(spec) {
		fmt.Fprintf(os.Stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}

	reg := engine.NewRegistry()
	pipeline, err := engine.Compile(spec, reg)
	if err != nil {
		log.Printf("configuration is invalid: %v", cfgPath)
		fatalf("compile: %v", err)
	}
	if validate {
		log.Printf("configuration is valid: %v", cfgPath)
		os.Exit(0)
	}

	initMetrics(metricsBackendFlg, pushGatewayURLFlg, statsdAddrFlg, spec.Name, *verbose)

	ctx := context.Background()
	store, err := storage.New(ctx, storage.Config{
		Kind:            storageKind,
		DSN:             dsn,
		AutoCreateTable: autoCreate,
	})
	if err != nil {
		fatalf("storage: %v", err)
	}
	defer store.Close()

	start := time.Now()
	res, err := pipeline.Run(ctx, store, store, engine.Config{
		Concurrency: concurrency,
		OpTimeout:   opTimeout,
	})
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	if *verbose {
		log.Printf("run %s completed in %s", res.RunID, time.Since(start).Truncate(time.Millisecond))
	}
	if res.Failed() {
		for _, tr := range res.Tables {
			if tr.Err != nil {
				fmt.Fprintf(os.Stderr, "table %s: %v\n", tr.Table, tr.Err)
			}
		}
		os.Exit(1)
	}
}

// initMetrics wires the selected metrics backend, from flag or env.
func initMetrics(backendName, gwURL, statsdAddr, job string, verbose bool) {
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "pushgateway":
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		if job == "" {
			job = "refinery"
		}
		b, err := prompush.NewBackend(job, gwURL)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=pushgateway url=%v job=%v", gwURL, job)
		metrics.SetBackend(b)

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{Addr: statsdAddr, Namespace: "refinery"})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return
		}
		log.Printf("metrics: backend=datadog addr=%v", statsdAddr)
		metrics.SetBackend(b)

	case "", "none":
		if verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
