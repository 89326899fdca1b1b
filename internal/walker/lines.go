package walker

import (
	"bufio"
	"errors"
	"io"
)

// ErrLineTooLong reports an input line longer than Config.MaxLineBytes.
// The line has been consumed, so reading can continue with the next one.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// lineReader splits input on '\n' and never holds more than max bytes of a line
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{
		r:   bufio.NewReaderSize(r, min(64*1024, max+1)),
		max: max,
		buf: make([]byte, 0, min(64*1024, max)),
	}
}

// next returns the next line without its newline, valid until the next call.
// A final line without a newline is returned as well; io.EOF follows it.
func (l *lineReader) next() ([]byte, error) {
	l.buf = l.buf[:0]
	tooLong := false

	for {
		chunk, err := l.r.ReadSlice('\n')
		if !tooLong {
			l.buf = append(l.buf, chunk...)
			n := len(l.buf)
			if n > 0 && l.buf[n-1] == '\n' {
				n--
			}
			if n > l.max {
				tooLong = true
				l.buf = l.buf[:0]
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLong {
				return nil, ErrLineTooLong
			}
			if len(l.buf) == 0 {
				return nil, io.EOF
			}
			return l.buf, nil
		case err != nil:
			return nil, err
		}

		if tooLong {
			return nil, ErrLineTooLong
		}
		return l.buf[:len(l.buf)-1], nil
	}
}
