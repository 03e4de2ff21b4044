package mux

import "github.com/progrium/chanmux/chunk"

// BufferFunc consumes a block of buffered data and returns how many bytes
// of it were used. Returning 0 keeps the whole block for the next call.
type BufferFunc func(block []byte) int

// Buffer accumulates the messages of a channel.
type Buffer struct {
	// Callback, if set, is handed everything held after each message.
	Callback BufferFunc

	chunks [][]byte
}

// Squash joins and returns everything held, leaving it in the buffer.
func (b *Buffer) Squash() []byte {
	if len(b.chunks) > 1 {
		b.chunks = [][]byte{chunk.Join(b.chunks)}
	}
	if len(b.chunks) == 0 {
		return nil
	}
	return b.chunks[0]
}

func (b *Buffer) push(data []byte) {
	b.chunks = append(b.chunks, append([]byte{}, data...))
	if b.Callback == nil {
		return
	}
	block := b.Squash()
	if len(block) == 0 {
		return
	}
	n := b.Callback(block)
	switch {
	case n == 0:
	case n > 0 && n < len(block):
		b.chunks = [][]byte{block[n:]}
	default:
		b.chunks = nil
	}
}

// Buffer starts collecting the channel's messages. Collection stops when
// the channel closes.
func (ch *Channel) Buffer(fn BufferFunc) *Buffer {
	b := &Buffer{Callback: fn}
	msgID := ch.AddEventListener(EventMessage, func(ev Event) {
		b.push(ev.Data)
	})
	var closeID ListenerID
	closeID = ch.AddEventListener(EventClose, func(Event) {
		ch.RemoveEventListener(EventMessage, msgID)
		ch.RemoveEventListener(EventClose, closeID)
	})
	return b
}

// Reset drops everything held.
func (b *Buffer) Reset() {
	b.chunks = nil
}
