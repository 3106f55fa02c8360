package main

import (
	"context"
	"crypto/rand"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tradepost/internal/auth"
	"tradepost/internal/chat"
	"tradepost/internal/config"
	persistlog "tradepost/internal/persistence/log"
	"tradepost/internal/persistence/store"
	"tradepost/internal/trading"
	"tradepost/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/server.yaml", "config path")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		secretEnv  = flag.String("secret_env", "TP_SESSION_SECRET", "env var holding the session signing secret")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite store (history and notices become volatile)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("config not found (%s); using defaults", *configPath)
			cfg = config.Defaults()
		} else {
			logger.Fatalf("load config: %v", err)
		}
	}

	secret := []byte(strings.TrimSpace(os.Getenv(*secretEnv)))
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatalf("generate session secret: %v", err)
		}
		logger.Printf("%s not set; using an ephemeral session secret", *secretEnv)
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	var st *store.SQLiteStore
	if !*disableDB {
		st, err = store.Open(filepath.Join(*dataDir, "tradepost.db"), cfg.HistoryCapacity)
		if err != nil {
			logger.Fatalf("open store: %v", err)
		}
		defer st.Close()
	}

	audit := persistlog.NewAuditLogger(*dataDir)
	defer audit.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expired := make(chan auth.ExpiredSession, 64)
	gate := auth.NewGate(secret, cfg.SessionTTL(), cfg.SessionSweep(), expired,
		log.New(os.Stdout, "[auth] ", log.LstdFlags|log.Lmicroseconds))
	go func() { _ = gate.Run(ctx) }()

	server := ws.NewServer(gate, logger)
	go server.ConsumeExpiry(ctx, expired)

	var ledgerStore chat.Store
	var recordStore trading.RecordStore
	if st != nil {
		ledgerStore = st
		recordStore = st
	}

	ledger := chat.NewLedger(chat.LedgerConfig{
		Capacity:        cfg.HistoryCapacity,
		MaxTextLen:      cfg.MaxTextLen,
		RateLimitWindow: time.Duration(cfg.RateLimits.ChatWindowSec) * time.Second,
		RateLimitMax:    cfg.RateLimits.ChatMax,
	}, gate, server, ledgerStore, audit,
		log.New(os.Stdout, "[chat] ", log.LstdFlags|log.Lmicroseconds))
	go func() { _ = ledger.Run(ctx) }()

	trades := trading.NewRegistry(trading.RegistryConfig{
		MaxActiveTrades: cfg.MaxActiveTrades,
	}, gate, server, server, recordStore, audit,
		log.New(os.Stdout, "[trading] ", log.LstdFlags|log.Lmicroseconds))
	go func() { _ = trades.Run(ctx) }()

	server.Bind(ledger, trades)

	if st != nil {
		msgs, err := st.LoadMessages()
		if err != nil {
			logger.Fatalf("load chat history: %v", err)
		}
		ledger.Seed(msgs)
		recs, err := st.LoadRecords()
		if err != nil {
			logger.Fatalf("load trade notices: %v", err)
		}
		trades.SeedRecords(recs)
		logger.Printf("restored %d chat messages, %d pending trade notices", len(msgs), len(recs))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", server.Handler())
	httpServer := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		logger.Printf("listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()
}
