package term

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/dkeye/meshvoice/internal/app/transmit"
)

var ErrNotTerminal = errors.New("stdin is not a terminal")

// Raw puts f into raw mode and returns the restore func.
func Raw(f *os.File) (func(), error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return nil, ErrNotTerminal
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("raw terminal: %w", err)
	}
	return func() {
		if err := term.Restore(fd, state); err != nil {
			log.Warn().Err(err).Str("module", "term").Msg("restore terminal")
		}
	}, nil
}

// Run feeds key transitions from in to onKey until ctx ends or in closes.
// Held keys are released on return.
func Run(ctx context.Context, in io.Reader, window time.Duration, onKey func(transmit.KeyEvent)) error {
	bytes := make(chan byte, 16)
	var readErr error
	go func() {
		defer close(bytes)
		buf := make([]byte, 1)
		for {
			n, err := in.Read(buf)
			if n == 1 {
				bytes <- buf[0]
			}
			if err != nil {
				readErr = err
				return
			}
		}
	}()

	rep := NewRepeater(window)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	emit := func(evs []transmit.KeyEvent) {
		for _, ev := range evs {
			onKey(ev)
		}
		if d := rep.Deadline(); !d.IsZero() {
			timer.Reset(time.Until(d))
		}
	}

	for {
		select {
		case <-ctx.Done():
			emit(rep.Flush())
			return ctx.Err()
		case b, ok := <-bytes:
			if !ok {
				emit(rep.Flush())
				if errors.Is(readErr, io.EOF) {
					return nil
				}
				return readErr
			}
			emit(rep.Press(Code(b), time.Now()))
		case <-timer.C:
			emit(rep.Tick(time.Now()))
		}
	}
}
