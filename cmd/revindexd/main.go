package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/config"
	"github.com/matteso1/revindex/internal/directory"
	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/indexsvc"
	"github.com/matteso1/revindex/internal/metrics"
	"github.com/matteso1/revindex/internal/server"
)

func main() {
	configFile := flag.String("config", "", "YAML config file")
	root := flag.String("root", "", "Index root, overrides the config file")
	seedFile := flag.String("seed", "", "Documents loaded into MAIN when it is first created")
	flag.Parse()
	defer glog.Flush()

	cfg := config.DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *root != "" {
		cfg.Root = *root
		cfg.InMemory = false
	}

	m := metrics.NewMetrics()
	svc, err := indexsvc.Open(cfg, m, seeder(*seedFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open index: %v\n", err)
		os.Exit(1)
	}
	// Opening MAIN runs the first-startup seed and fails fast on a bad root.
	if _, err := svc.GetBranchService(branch.Main); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open MAIN: %v\n", err)
		svc.Dispose()
		os.Exit(1)
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Errorf("[revindexd] metrics server: %v", err)
			}
		}()
	}

	var api *server.Server
	if cfg.GRPCAddr != "" {
		api = server.NewServer(svc, m)
		go func() {
			if err := api.Start(cfg.GRPCAddr); err != nil {
				glog.Errorf("[revindexd] grpc server: %v", err)
			}
		}()
	}

	fmt.Printf("Serving index at %s (grpc: %q, metrics: %q)\n", cfg.Root, cfg.GRPCAddr, cfg.MetricsAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("\nShutting down...")

	if api != nil {
		api.Stop()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(ctx); err != nil {
			glog.Warningf("[revindexd] metrics shutdown: %v", err)
		}
		cancel()
	}
	if err := svc.Dispose(); err != nil {
		glog.Errorf("[revindexd] dispose: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

func seeder(file string) func(directory.Bootstrapper) error {
	if file == "" {
		return nil
	}
	return func(b directory.Bootstrapper) error {
		data, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		docs, err := index.DecodeDocuments(data)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := b.AddDocument(doc); err != nil {
				return err
			}
		}
		glog.Infof("[revindexd] seeded MAIN with %d documents from %s", len(docs), file)
		return b.Commit()
	}
}
