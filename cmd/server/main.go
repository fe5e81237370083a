package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radebe49/objection-dojo/internal/config"
	"github.com/radebe49/objection-dojo/internal/httpserver"
	"github.com/radebe49/objection-dojo/internal/llm"
	"github.com/radebe49/objection-dojo/internal/rtc"
	"github.com/radebe49/objection-dojo/internal/store"
	"github.com/radebe49/objection-dojo/internal/tts"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	var persist store.Store
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		sb, err := store.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey)
		if err != nil {
			log.Fatalf("supabase: %v", err)
		}
		persist = sb
	} else {
		log.Printf("warning: Supabase not configured, using in-memory store")
		persist = store.NewMemory()
	}

	deps := httpserver.Deps{
		Chat:    llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID),
		Persist: persist,
		RTC:     rtc.NewHandler(cfg, persist),
	}
	if cfg.ElevenLabsKey != "" {
		deps.Voice = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	}

	srv := httpserver.New(cfg, deps)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}
