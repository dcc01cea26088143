// Command solcastsim serves simulated rooftop site forecasts for local
// development. Point pvcast at it with -solcast-api-url.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/pvcast/pkg/common"
	"github.com/raterudder/pvcast/pkg/log"
	"github.com/raterudder/pvcast/pkg/solcast/solcastsim"
)

func main() {
	listen := lflag.String("listen", "127.0.0.1:8088", "Address to serve the simulated API on")
	timezone := lflag.String("timezone", "Australia/Melbourne", "Timezone the generation curve follows")
	busyEvery := lflag.Duration("busy-every", 0, "If set, answer one request with a busy response at this interval")
	lflag.Configure()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sim := solcastsim.New()
	loc, err := common.LoadLocation(*timezone)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "invalid timezone", slog.Any("error", err))
		os.Exit(1)
	}
	sim.Location = loc

	if *busyEvery > 0 {
		go func() {
			ticker := time.NewTicker(*busyEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					sim.SetBusy(1)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              *listen,
		Handler:           sim,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Ctx(ctx).InfoContext(ctx, "serving simulated solcast api", slog.String("addr", *listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
}
