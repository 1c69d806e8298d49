package dsnet

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// pollSliceMillis bounds each poll(2) so a cancelled context is noticed.
const pollSliceMillis = 100

func readFD(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// readFrame makes one attempt to read a whole frame from a non-blocking pipe.
func readFrame(fd int) (Message, error) {
	var hdr [HeaderSize]byte
	n, err := readFD(fd, hdr[:])
	switch {
	case errors.Is(err, unix.EAGAIN):
		return Message{}, ErrNoData
	case err != nil:
		return Message{}, fmt.Errorf("read header: %w", err)
	case n == 0:
		return Message{}, ErrPeerClosed
	case n < HeaderSize:
		return Message{}, fmt.Errorf("%w: short header (%d of %d bytes)", ErrFraming, n, HeaderSize)
	}

	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Message{}, err
	}
	msg := Message{Type: h.Type, Timestamp: h.Timestamp}
	if h.PayloadLen == 0 {
		return msg, nil
	}

	msg.Payload = make([]byte, h.PayloadLen)
	n, err = readFD(fd, msg.Payload)
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return Message{}, fmt.Errorf("read payload: %w", err)
	}
	if n < int(h.PayloadLen) {
		return Message{}, fmt.Errorf("%w: truncated payload (%d of %d bytes)", ErrFraming, max(n, 0), h.PayloadLen)
	}
	return msg, nil
}

// writeFrame makes one attempt to write frame with a single write(2).
func writeFrame(fd int, frame []byte) error {
	for {
		n, err := unix.Write(fd, frame)
		switch {
		case err == unix.EINTR:
			continue
		case errors.Is(err, unix.EAGAIN):
			return ErrWouldBlock
		case errors.Is(err, unix.EPIPE):
			return ErrPeerClosed
		case err != nil:
			return fmt.Errorf("write frame: %w", err)
		case n < len(frame):
			return fmt.Errorf("%w: short write (%d of %d bytes)", ErrFraming, n, len(frame))
		}
		return nil
	}
}

// poll waits until one of fds is ready or ctx is done.
func poll(ctx context.Context, fds []unix.PollFd) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := -1
		if ctx.Done() != nil {
			timeout = pollSliceMillis
		}
		n, err := unix.Poll(fds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}
