package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"newsflow/internal/api"
	"newsflow/internal/collector"
	"newsflow/internal/config"
	"newsflow/internal/ledger"
	"newsflow/internal/media"
	"newsflow/internal/publisher"
	"newsflow/internal/retry"
	"newsflow/internal/source"
	"newsflow/internal/store"
	"newsflow/internal/telegram"
)

func main() {
	var (
		addr    = flag.String("addr", ":8080", "HTTP bind address")
		cfgPath = flag.String("config", "", "path to YAML config")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if cfg.Telegram.BotToken == "" || cfg.Telegram.ChannelID == "" {
		log.Fatal().Msg("telegram credentials are required (TELEGRAM_BOT_TOKEN, TELEGRAM_CHANNEL_ID)")
	}
	if cfg.Source.APIKey == "" {
		log.Fatal().Msg("source api key is required (SOURCE_API_KEY)")
	}
	loc := cfg.Location()

	st, err := store.New(filepath.Join(cfg.DataDir, "batches"))
	if err != nil {
		log.Fatal().Err(err).Msg("open batch store")
	}
	led, err := ledger.New(
		filepath.Join(cfg.DataDir, "delivery_history.jsonl"),
		time.Duration(cfg.Publication.DedupWindowDays)*24*time.Hour,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("open delivery ledger")
	}

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second}

	stage := collector.New(
		st,
		source.New(cfg.Source),
		media.New(cfg.Media),
		cfg.Collection,
		policy,
		filepath.Join(cfg.DataDir, "images"),
	)
	loop := publisher.New(
		st, led,
		telegram.New(cfg.Telegram),
		loc,
		cfg.Publication.TickEvery.Std(),
		cfg.Publication.MaxAttempts,
		policy,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Daily collection plus housekeeping at the configured time.
	c := cron.New(cron.WithLocation(loc))
	spec, err := cronSpec(cfg.Collection.Time)
	if err != nil {
		log.Fatal().Err(err).Msg("collection time")
	}
	_, err = c.AddFunc(spec, func() {
		date := time.Now().In(loc).Format("2006-01-02")
		if _, err := stage.Run(ctx, date); err != nil {
			log.Error().Err(err).Str("date", date).Msg("daily collection failed")
		}
		if n, err := st.Prune(cfg.Collection.KeepBatchFiles); err != nil {
			log.Warn().Err(err).Msg("prune batch files")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("pruned old batch files")
		}
		if n, err := led.Prune(ctx, time.Now()); err != nil {
			log.Warn().Err(err).Msg("prune delivery ledger")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("pruned delivery ledger")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("schedule collection")
	}
	c.Start()

	go loop.Run(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(stage, loop, loc)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info().Msg("shutting down")
	cancel()
	<-c.Stop().Done()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

// cronSpec converts HH:MM into a daily cron expression.
func cronSpec(hhmm string) (string, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return "", fmt.Errorf("time %q is not HH:MM", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}
