// Command server runs the Kiro proxy: an OpenAI/Anthropic/Gemini compatible
// HTTP front that relays chat requests onto the upstream Kiro service over a
// pool of managed accounts.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/api"
	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/dispatch"
	"github.com/kiroproxy/kiroproxy/internal/flow"
	"github.com/kiroproxy/kiroproxy/internal/kiro"
	"github.com/kiroproxy/kiroproxy/internal/logging"
	"github.com/kiroproxy/kiroproxy/internal/pool"
	"github.com/kiroproxy/kiroproxy/internal/scheduler"
	"github.com/kiroproxy/kiroproxy/internal/util"
)

func main() {
	logging.SetupBaseLogger()

	var configPath string
	flag.StringVar(&configPath, "config", "", "Configure File Path")
	flag.Parse()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// An optional positional argument overrides the configured port.
	if arg := flag.Arg(0); arg != "" {
		port, errPort := strconv.Atoi(arg)
		if errPort != nil || port <= 0 || port > 65535 {
			log.Fatalf("invalid port argument %q", arg)
		}
		cfg.Port = port
	}

	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Fatalf("failed to configure log output: %v", err)
	}
	util.SetLogLevel(cfg)

	startService(cfg)
}

func startService(cfg *config.Config) {
	authDir, err := cfg.ResolveAuthDir()
	if err != nil {
		log.Fatalf("failed to resolve auth directory: %v", err)
	}
	if err = os.MkdirAll(authDir, 0o700); err != nil {
		log.Fatalf("failed to create auth directory: %v", err)
	}

	store := auth.NewFileStore(filepath.Join(authDir, "config.json"))
	refresher := auth.NewRefresher(cfg.KiroBaseURL, nil)

	accounts := pool.New(refresher,
		pool.WithCooldown(cfg.QuotaCooldown()),
		pool.WithAffinityTTL(cfg.AffinityTTL()),
		pool.WithPersist(func(snapshot []*auth.Account) {
			if errSave := store.Save(snapshot); errSave != nil {
				log.Errorf("failed to persist accounts: %v", errSave)
			}
		}),
	)

	stored, err := store.Load()
	if err != nil {
		log.Fatalf("failed to load accounts from %s: %v", store.Path(), err)
	}
	accounts.Load(stored)
	log.Infof("loaded %d account(s) from %s", len(stored), store.Path())

	watcher := auth.NewWatcher(store, accounts.Replace)
	if err = watcher.Start(); err != nil {
		log.Fatalf("failed to watch accounts file: %v", err)
	}

	flowStore, err := flow.OpenBoltSink(filepath.Join(authDir, "flows.db"))
	if err != nil {
		log.Fatalf("failed to open flow store: %v", err)
	}
	flows := flow.Fanout{flow.LogSink{}, flowStore}

	upstream := kiro.NewClient(cfg)
	dispatcher := dispatch.New(accounts, dispatch.ClientUpstream{Client: upstream}, flows, cfg.RequestRetry)

	sched := scheduler.New(accounts, upstream, cfg.RefreshInterval(), cfg.HealthInterval())
	if err = sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	server := api.NewServer(cfg, dispatcher, accounts, flowStore)
	go func() {
		if errStart := server.Start(); errStart != nil {
			log.Fatalf("API server failed to start: %v", errStart)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal, cleaning up")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err = server.Stop(ctx); err != nil {
		log.Errorf("error stopping API server: %v", err)
	}
	sched.Stop()
	watcher.Stop()

	// One last snapshot so usage counters survive the restart.
	if err = store.Save(accounts.Snapshot()); err != nil {
		log.Errorf("failed to save accounts on shutdown: %v", err)
	}
	if err = flowStore.Close(); err != nil {
		log.Errorf("failed to close flow store: %v", err)
	}
	log.Info("cleanup completed, exiting")
}
