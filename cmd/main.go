package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"mimir/internal/book"
	"mimir/internal/config"
	"mimir/internal/mbo"
	mimirNet "mimir/internal/net"
	"mimir/internal/replay"
)

func main() {
	// Tag every log line of this invocation.
	log.Logger = log.With().Str("run_id", uuid.NewString()).Logger()

	opts, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "mimir: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Error().Err(err).Str("mode", string(opts.Mode)).Msg("fatal")
		os.Exit(1)
	}
}

func run(ctx context.Context, opts config.Options) error {
	switch opts.Mode {
	case config.ModeReplay:
		return replay.Run(opts)

	case config.ModeStreamer:
		src, err := mbo.OpenSource(opts.DBN)
		if err != nil {
			return err
		}
		defer src.Close()

		t, ctx := tomb.WithContext(ctx)
		t.Go(func() error {
			return mimirNet.RunStreamer(ctx, src, opts)
		})
		return t.Wait()

	case config.ModeEngine:
		t, ctx := tomb.WithContext(ctx)
		t.Go(func() error {
			return mimirNet.RunEngine(ctx, book.New(), opts)
		})
		return t.Wait()
	}
	return fmt.Errorf("unknown mode %q", opts.Mode)
}
