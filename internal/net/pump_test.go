package net

import (
	"context"
	"io"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mimir/internal/book"
	"mimir/internal/config"
	"mimir/internal/mbo"
)

// genEvents produces a deterministic mixed MBO sequence: adds, partial and
// full cancels, resizes, price moves, the odd trade and clear. Events are
// well formed so that replay and engine agree on a non-trivial final book.
func genEvents(n int) []mbo.Event {
	rng := rand.New(rand.NewSource(42))

	type resting struct {
		side  mbo.Side
		price int64
		size  uint32
	}
	live := make(map[uint64]resting)
	liveIDs := make([]uint64, 0, n)
	nextID := uint64(1)

	pick := func() (uint64, resting, bool) {
		for len(liveIDs) > 0 {
			i := rng.Intn(len(liveIDs))
			id := liveIDs[i]
			if r, ok := live[id]; ok {
				return id, r, true
			}
			liveIDs = append(liveIDs[:i], liveIDs[i+1:]...)
		}
		return 0, resting{}, false
	}

	events := make([]mbo.Event, 0, n)
	for len(events) < n {
		roll := rng.Intn(100)
		switch {
		case roll < 50 || len(live) == 0:
			side := mbo.Bid
			price := int64(990 + rng.Intn(10))
			if rng.Intn(2) == 1 {
				side = mbo.Ask
				price = int64(1001 + rng.Intn(10))
			}
			size := uint32(1 + rng.Intn(100))
			id := nextID
			nextID++
			live[id] = resting{side, price, size}
			liveIDs = append(liveIDs, id)
			events = append(events, mbo.Event{
				OrderID: id, Price: price, Size: size,
				Side: side, Action: mbo.ActionAdd,
			})

		case roll < 75:
			id, r, ok := pick()
			if !ok {
				continue
			}
			dec := uint32(1 + rng.Intn(int(r.size)))
			if dec == r.size {
				delete(live, id)
			} else {
				r.size -= dec
				live[id] = r
			}
			events = append(events, mbo.Event{
				OrderID: id, Price: r.price, Size: dec,
				Side: r.side, Action: mbo.ActionCancel,
			})

		case roll < 95:
			id, r, ok := pick()
			if !ok {
				continue
			}
			if rng.Intn(2) == 1 {
				r.price += int64(rng.Intn(3) - 1)
			}
			r.size = uint32(1 + rng.Intn(100))
			live[id] = r
			events = append(events, mbo.Event{
				OrderID: id, Price: r.price, Size: r.size,
				Side: r.side, Action: mbo.ActionModify,
			})

		case roll < 99:
			events = append(events, mbo.Event{
				Price: 1000, Size: 1, Side: mbo.SideNone, Action: mbo.ActionTrade,
			})

		default:
			live = make(map[uint64]resting)
			liveIDs = liveIDs[:0]
			events = append(events, mbo.Event{Action: mbo.ActionClear, Side: mbo.SideNone})
		}
	}
	return events
}

func writeEventFile(t *testing.T, events []mbo.Event) string {
	t.Helper()
	var data []byte
	for i := range events {
		data = mbo.AppendEncode(data, &events[i])
	}
	path := filepath.Join(t.TempDir(), "events.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// Streamer and engine over a real localhost link, unpaced, must converge on
// the same book as a direct replay of the same file. The 10k event count
// stays well under the engine's pre-reserved latency vector, so the hot loop
// never reallocates during this test.
func TestStreamerEngine_MatchesReplay(t *testing.T) {
	events := genEvents(10000)
	path := writeEventFile(t, events)
	port := freePort(t)

	opts := config.Options{
		Mode:   config.ModeStreamer,
		DBN:    path,
		Host:   "127.0.0.1",
		Port:   port,
		Rate:   0,
		Levels: 10,
		Out:    filepath.Join(t.TempDir(), "engine.json"),
	}

	src, err := mbo.OpenSource(path)
	require.NoError(t, err)
	defer src.Close()

	streamerDone := make(chan error, 1)
	go func() {
		streamerDone <- RunStreamer(context.Background(), src, opts)
	}()

	// Apply the file directly, as replay mode would.
	want := book.New()
	wantSrc, err := mbo.OpenSource(path)
	require.NoError(t, err)
	defer wantSrc.Close()
	for {
		ev, err := wantSrc.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		_ = want.Apply(&ev)
	}

	// The streamer may not be listening yet; retry the connect.
	bk := book.New()
	for attempt := 0; ; attempt++ {
		err = RunEngine(context.Background(), bk, opts)
		if err == nil || attempt >= 50 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	require.NoError(t, <-streamerDone)

	assert.Equal(t, want.Snapshot(10), bk.Snapshot(10))
	assert.Equal(t, want.RestingOrders(), bk.RestingOrders())

	// The engine also wrote its snapshot file.
	data, err := os.ReadFile(opts.Out)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(data), "}\n"))
}

// A sender that stops mid-record must surface as a truncation error, after
// the events before the tear have been applied.
func TestEngine_TruncatedStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		add := mbo.Event{OrderID: 1, Price: 100, Size: 5, Side: mbo.Bid, Action: mbo.ActionAdd}
		var data []byte
		data = mbo.AppendEncode(data, &add)
		data = append(data, 0xde, 0xad) // torn second record
		conn.Write(data)
		conn.Close()
	}()

	opts := config.Options{
		Mode:   config.ModeEngine,
		Host:   "127.0.0.1",
		Port:   port,
		Levels: 5,
		Out:    filepath.Join(t.TempDir(), "book.json"),
	}
	bk := book.New()
	err = RunEngine(context.Background(), bk, opts)
	assert.ErrorIs(t, err, ErrTruncated)

	// The record before the tear was applied and the snapshot still written.
	best, ok := bk.BestBid()
	require.True(t, ok)
	assert.Equal(t, int64(100), best.Price)
	_, err = os.Stat(opts.Out)
	assert.NoError(t, err)
}
