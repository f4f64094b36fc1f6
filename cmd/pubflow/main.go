package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"pubflow/internal/accounts"
	"pubflow/internal/adapter"
	"pubflow/internal/api"
	"pubflow/internal/domain"
	"pubflow/internal/processor"
	"pubflow/internal/publisher"
	"pubflow/internal/store"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "HTTP bind address")
		dbPath    = flag.String("db", "pubflow.db", "SQLite DB path")
		tickSpec  = flag.String("tick", "* * * * *", "cron cadence for queue ticks")
		reapSpec  = flag.String("reap", "*/5 * * * *", "cron cadence for reaper sweeps")
		batch     = flag.Int("batch", 10, "max queue items per tick")
		backoff   = flag.Duration("backoff", 30*time.Minute, "flat retry backoff")
		reapAfter = flag.Duration("reap-after", 10*time.Minute, "processing timeout before the reaper re-queues an item")
		seed      = flag.Bool("seed", false, "seed demo destination accounts and exit")
		debug     = flag.Bool("debug", false, "enable pprof endpoints")
	)
	_ = godotenv.Load()
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLite(db)

	if *seed {
		seedAccounts(st)
		return
	}

	resolver := accounts.NewStoreResolver(st)
	registry := adapter.DefaultRegistry(adapter.NewTransport(300*time.Millisecond, 0.05, time.Now().UnixNano()))
	pubs := publisher.NewService(st, resolver, registry)
	proc := processor.New(st, registry, resolver).
		WithBackoff(*backoff).
		WithReapAfter(*reapAfter)

	// Recover anything stranded by a previous crash before the cadence starts.
	if requeued, failed, err := proc.Reap(context.Background()); err == nil {
		log.Info().Int("requeued", requeued).Int("failed", failed).Msg("startup reaper pass")
	}

	runner, err := processor.NewRunner(proc, *tickSpec, *reapSpec, *batch)
	if err != nil {
		log.Fatal().Err(err).Msg("queue runner")
	}
	runner.Start()

	srv := &http.Server{Addr: *addr, Handler: api.NewServerWithDebug(pubs, proc, *debug)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	<-runner.Stop().Done()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func seedAccounts(st store.Store) {
	ctx := context.Background()
	demo := []domain.DestinationAccount{
		{Platform: domain.PlatformInstagram, Name: "demo instagram", AccessToken: "demo-token-ig", ExternalAccountID: "ig-1001"},
		{Platform: domain.PlatformTwitter, Name: "demo twitter", AccessToken: "demo-token-tw", ExternalAccountID: "tw-1001"},
		{Platform: domain.PlatformFacebook, Name: "demo facebook", AccessToken: "demo-token-fb", ExternalAccountID: "fb-1001"},
		{Platform: domain.PlatformLinkedIn, Name: "demo linkedin", AccessToken: "demo-token-li", ExternalAccountID: "li-1001"},
		{Platform: domain.PlatformTikTok, Name: "demo tiktok", AccessToken: "demo-token-tt", ExternalAccountID: "tt-1001"},
	}
	for _, acct := range demo {
		id, err := st.CreateAccount(ctx, acct)
		if err != nil {
			log.Error().Err(err).Str("platform", string(acct.Platform)).Msg("seed account")
			continue
		}
		log.Info().Str("account_id", id).Str("platform", string(acct.Platform)).Msg("seeded account")
	}
}
