package mbo

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

const sourceBufSize = 1 << 16

// Source yields MBO events from a recorded file, in file order. It is
// one-shot: once Next has returned io.EOF the source cannot be rewound.
type Source struct {
	f       *os.File
	r       *bufio.Reader
	rec     [RecordSize]byte
	yielded uint64
}

// OpenSource opens the recorded event file at path.
func OpenSource(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &Source{
		f: f,
		r: bufio.NewReaderSize(f, sourceBufSize),
	}, nil
}

// Next returns the next event. At a clean end-of-stream it returns io.EOF;
// a partial trailing record surfaces as io.ErrUnexpectedEOF.
func (s *Source) Next() (Event, error) {
	if _, err := io.ReadFull(s.r, s.rec[:]); err != nil {
		if err == io.EOF {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("read event record: %w", err)
	}
	ev, err := Decode(s.rec[:])
	if err != nil {
		return Event{}, err
	}
	s.yielded++
	return ev, nil
}

// Events reports how many events have been yielded so far.
func (s *Source) Events() uint64 {
	return s.yielded
}

func (s *Source) Close() error {
	return s.f.Close()
}
