// Package config parses the command-line surface shared by the three
// runtime roles.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Mode selects which role this invocation plays.
type Mode string

const (
	ModeReplay   Mode = "replay"
	ModeStreamer Mode = "streamer"
	ModeEngine   Mode = "engine"
)

// Options is the fully parsed and validated command line.
type Options struct {
	Mode   Mode
	DBN    string // recorded event file (replay, streamer)
	Out    string // snapshot output path (replay, engine)
	Host   string // streamer host (engine)
	Port   int    // TCP port (streamer, engine)
	Rate   uint64 // events per second, 0 disables pacing (streamer)
	Levels int    // snapshot depth (engine)
}

// Load parses args (without the program name) into Options.
func Load(args []string) (Options, error) {
	fs := pflag.NewFlagSet("mimir", pflag.ContinueOnError)

	var opts Options
	mode := fs.String("mode", "", "role to run: replay, streamer or engine")
	fs.StringVar(&opts.DBN, "dbn", "", "path to the recorded event file")
	fs.StringVar(&opts.Out, "out", "book.json", "snapshot output path")
	fs.StringVar(&opts.Host, "host", "127.0.0.1", "streamer host")
	fs.IntVar(&opts.Port, "port", 9000, "TCP port")
	fs.Uint64Var(&opts.Rate, "rate", 200000, "events per second, 0 disables pacing")
	fs.IntVar(&opts.Levels, "levels", 5, "snapshot depth")

	if err := fs.Parse(args); err != nil {
		return Options{}, err
	}

	switch Mode(*mode) {
	case ModeReplay, ModeStreamer, ModeEngine:
		opts.Mode = Mode(*mode)
	default:
		return Options{}, fmt.Errorf("unknown mode %q, expected replay, streamer or engine", *mode)
	}

	if opts.Mode != ModeEngine && opts.DBN == "" {
		return Options{}, fmt.Errorf("missing --dbn=PATH for mode %s", opts.Mode)
	}
	if opts.Levels < 1 {
		return Options{}, fmt.Errorf("--levels must be at least 1, got %d", opts.Levels)
	}
	return opts, nil
}
