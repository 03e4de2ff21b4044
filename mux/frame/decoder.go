package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
)

// Decoder decodes frames given an io.Reader
type Decoder struct {
	// MaxSize is the largest frame accepted. Zero means DefaultMaxSize.
	MaxSize uint32

	r io.Reader
	sync.Mutex
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

func (dec *Decoder) Decode() (Frame, error) {
	dec.Lock()
	defer dec.Unlock()

	var prefix [4]byte
	_, err := io.ReadFull(dec.r, prefix[:])
	if err != nil {
		var syscallErr *os.SyscallError
		if errors.As(err, &syscallErr) && syscallErr.Err == syscall.ECONNRESET {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}

	size := binary.BigEndian.Uint32(prefix[:])
	max := dec.MaxSize
	if max == 0 {
		max = DefaultMaxSize
	}
	if size > max {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(dec.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	idx := bytes.IndexByte(body, '\n')
	if idx < 0 {
		return Frame{}, ErrMissingTerminator
	}
	f := Frame{
		Channel: string(body[:idx]),
		Payload: body[idx+1:],
	}

	if Debug != nil {
		fmt.Fprintln(Debug, ">>DEC", f)
	}

	return f, nil
}
