// Package chunk splits and joins channel payloads.
package chunk

import (
	"reflect"
	"unicode/utf8"
)

// DefaultBatch is the chunk size Iterate uses for a non-positive batch.
const DefaultBatch = 64 * 1024

// Data is a text or binary payload.
type Data interface {
	~string | ~[]byte
}

// Iterate calls fn with consecutive chunks of data of at most batch bytes.
// Text chunks never split a UTF-8 sequence, so a chunk only exceeds batch
// when a single rune is longer than batch. Binary chunks share memory with
// data.
func Iterate[T Data](data T, batch int, fn func(T)) {
	if batch <= 0 {
		batch = DefaultBatch
	}
	b := []byte(data)
	text := isText[T]()
	for start := 0; start < len(b); {
		end := start + batch
		if end > len(b) {
			end = len(b)
		}
		if text {
			end = runeBoundary(b, start, end)
		}
		fn(T(b[start:end]))
		start = end
	}
}

// Join concatenates chunks.
func Join[T Data](chunks []T) T {
	n := 0
	for _, c := range chunks {
		n += len(c)
	}
	buf := make([]byte, 0, n)
	for _, c := range chunks {
		buf = append(buf, c...)
	}
	return T(buf)
}

func isText[T Data]() bool {
	var zero T
	return reflect.TypeOf(zero).Kind() == reflect.String
}

// runeBoundary moves end back to the start of a rune, or forward past the
// rune at start when backing up would leave the chunk empty.
func runeBoundary(b []byte, start, end int) int {
	if end >= len(b) {
		return len(b)
	}
	e := end
	for e > start && !utf8.RuneStart(b[e]) {
		e--
	}
	if e > start {
		return e
	}
	_, size := utf8.DecodeRune(b[start:])
	return start + size
}
