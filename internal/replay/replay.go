// Package replay drives recorded events straight into a fresh book and
// writes a single depth snapshot, with no socket in the path.
package replay

import (
	"io"

	"github.com/rs/zerolog/log"

	"mimir/internal/book"
	"mimir/internal/config"
	"mimir/internal/mbo"
)

const snapshotDepth = 10

// Run replays the recorded file through a fresh book and writes the final
// depth-10 snapshot to opts.Out.
func Run(opts config.Options) error {
	src, err := mbo.OpenSource(opts.DBN)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close event source")
		}
	}()

	bk := book.New()
	var applyErrs uint64
	for {
		ev, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := bk.Apply(&ev); err != nil {
			applyErrs++
		}
	}

	log.Info().
		Uint64("events", src.Events()).
		Uint64("apply_errors", applyErrs).
		Msg("replay finished")

	if err := bk.Snapshot(snapshotDepth).WriteFile(opts.Out); err != nil {
		return err
	}
	log.Info().Str("path", opts.Out).Msg("wrote snapshot")
	return nil
}
