package bridge

import (
	"context"
	"errors"
	"io"
)

// Echo sends every message back. Done from the client is answered with
// done, after which the channel closes.
func Echo(ctx context.Context, ch *Channel) error {
	if err := ch.Ready(nil); err != nil {
		return err
	}
	for {
		data, err := ch.Recv()
		if errors.Is(err, io.EOF) {
			return ch.Done()
		}
		if err != nil {
			return err
		}
		if err := ch.Send(data); err != nil {
			return err
		}
	}
}

// Null discards every message and closes after done from the client.
func Null(ctx context.Context, ch *Channel) error {
	if err := ch.Ready(nil); err != nil {
		return err
	}
	for {
		_, err := ch.Recv()
		if errors.Is(err, io.EOF) {
			return ch.Done()
		}
		if err != nil {
			return err
		}
	}
}
