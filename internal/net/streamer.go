// Package net holds the two ends of the TCP link: the streamer pump that
// replays recorded events onto the wire and the engine pump that consumes
// them into the book.
package net

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"mimir/internal/config"
	"mimir/internal/mbo"
)

// batchEvents is how many events are packed into one send. Pacing and the
// send syscall are both amortised over the batch.
const batchEvents = 1024

// reuseAddr sets SO_REUSEADDR so a restarted streamer does not stall on a
// listener stuck in TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return serr
}

// RunStreamer accepts exactly one client and replays the source over it in
// fixed-width record batches, paced to opts.Rate events per second. It is
// single-threaded: backpressure from a slow consumer blocks the send, which
// blocks the source pull.
func RunStreamer(ctx context.Context, src *mbo.Source, opts config.Options) error {
	lc := net.ListenConfig{Control: reuseAddr}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", opts.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", opts.Port, err)
	}

	log.Info().Int("port", opts.Port).Msg("streamer listening")
	conn, err := listener.Accept()
	// One client only; the listener has done its job.
	if cerr := listener.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("unable to close listener")
	}
	if err != nil {
		return fmt.Errorf("accept client: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close client connection")
		}
	}()
	log.Info().Str("client", conn.RemoteAddr().String()).Msg("client connected, streaming")

	batch := make([]byte, 0, batchEvents*mbo.RecordSize)
	var sent uint64
	start := time.Now()

	for {
		ev, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		batch = mbo.AppendEncode(batch, &ev)
		if len(batch) < batchEvents*mbo.RecordSize {
			continue
		}

		if err := sendAll(conn, batch); err != nil {
			return err
		}
		sent += batchEvents
		batch = batch[:0]
		pace(start, sent, opts.Rate)
	}

	if len(batch) > 0 {
		if err := sendAll(conn, batch); err != nil {
			return err
		}
		sent += uint64(len(batch) / mbo.RecordSize)
	}

	log.Info().Uint64("sent", sent).Msg("streamer finished")
	return nil
}

// pace sleeps off the difference between the cumulative ideal send time for
// sent events and the wall clock. Computing ideal from the cumulative count
// rather than per-batch deltas lets the loop self-correct after a long sleep
// or a slow batch.
func pace(start time.Time, sent, rate uint64) {
	if rate == 0 {
		return
	}
	ideal := time.Duration(float64(sent) / float64(rate) * float64(time.Second))
	if elapsed := time.Since(start); elapsed < ideal {
		time.Sleep(ideal - elapsed)
	}
}

// sendAll retries short writes until buf is fully on the wire.
func sendAll(conn net.Conn, buf []byte) error {
	for len(buf) > 0 {
		n, err := conn.Write(buf)
		if err != nil {
			return fmt.Errorf("send batch: %w", err)
		}
		buf = buf[n:]
	}
	return nil
}
