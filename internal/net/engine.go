package net

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"mimir/internal/book"
	"mimir/internal/config"
	"mimir/internal/mbo"
)

// latencyReserve bounds the pre-allocated latency vector so the hot loop
// never reallocates. Streams longer than this still record, at the cost of
// growth.
const latencyReserve = 1_000_000

// ErrTruncated reports a stream that ended mid-record. Metrics and the final
// snapshot are still emitted; the process exit code signals the anomaly.
var ErrTruncated = errors.New("stream truncated mid-record")

// RunEngine connects to the streamer, applies every received event to bk,
// and records the apply latency of each. On end-of-stream it emits latency
// percentiles and throughput, then writes the final depth snapshot.
func RunEngine(ctx context.Context, bk *book.Book, opts config.Options) error {
	var dialer net.Dialer
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close connection")
		}
	}()
	log.Info().Str("addr", addr).Msg("engine connected")

	latenciesUS := make([]float64, 0, latencyReserve)
	var rec [mbo.RecordSize]byte
	var received, applyErrs uint64
	truncated := false
	start := time.Now()

	for {
		if _, err := io.ReadFull(conn, rec[:]); err != nil {
			if err == io.EOF {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				truncated = true
				break
			}
			return fmt.Errorf("read record: %w", err)
		}
		ev, err := mbo.Decode(rec[:])
		if err != nil {
			return err
		}

		t0 := time.Now()
		err = bk.Apply(&ev)
		latenciesUS = append(latenciesUS, float64(time.Since(t0).Nanoseconds())/1e3)

		if err != nil {
			// Recorded feeds carry malformed and out-of-order events; the
			// book stays consistent, so count and move on.
			applyErrs++
		}
		received++
	}

	wall := time.Since(start)
	emitMetrics(latenciesUS, received, wall.Seconds())

	nbids, nasks := bk.LevelCounts()
	log.Info().
		Uint64("received", received).
		Uint64("apply_errors", applyErrs).
		Int("resting_orders", bk.RestingOrders()).
		Int("bid_levels", nbids).
		Int("ask_levels", nasks).
		Msg("engine finished")

	if err := bk.Snapshot(opts.Levels).WriteFile(opts.Out); err != nil {
		return err
	}
	log.Info().Str("path", opts.Out).Msg("wrote snapshot")

	if truncated {
		return ErrTruncated
	}
	return nil
}
