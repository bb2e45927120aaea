//go:build linux

// Package eventfd wraps the kernel eventfd/epoll primitives used to
// receive interrupt notifications from platforms that expose them as
// file descriptors, such as VFIO MSI vectors or uio devices.
package eventfd

import (
	"context"
	"encoding/binary"
	"syscall"

	"golang.org/x/sys/unix"
)

type EventFD struct {
	fd  int
	buf [8]byte
}

func New() (EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return EventFD{}, err
	}
	return EventFD{fd: fd}, nil
}

// Wrap adopts an externally created file descriptor, typically one that
// was registered with the kernel for interrupt delivery.
func Wrap(fd int) EventFD {
	return EventFD{fd: fd}
}

func (e *EventFD) Kick() error {
	binary.LittleEndian.PutUint64(e.buf[:], 1)
	_, err := syscall.Write(e.fd, e.buf[:])
	return err
}

// Drain consumes the pending counter so the descriptor stops polling
// readable.
func (e *EventFD) Drain() error {
	_, err := syscall.Read(e.fd, e.buf[:])
	return err
}

func (e *EventFD) Close() error {
	if e.fd != 0 {
		return unix.Close(e.fd)
	}
	return nil
}

func (e *EventFD) FD() int {
	return e.fd
}

type Epoll struct {
	fd     int
	events []syscall.EpollEvent
}

func NewEpoll() (Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return Epoll{}, err
	}
	return Epoll{
		fd:     fd,
		events: make([]syscall.EpollEvent, 1),
	}, nil
}

func (ep *Epoll) AddEvent(fdToAdd int) error {
	event := syscall.EpollEvent{
		Events: syscall.EPOLLIN,
		Fd:     int32(fdToAdd),
	}
	return syscall.EpollCtl(ep.fd, syscall.EPOLL_CTL_ADD, fdToAdd, &event)
}

// Block waits up to msec milliseconds (-1 blocks indefinitely) for an
// event and reports how many fired.
func (ep *Epoll) Block(msec int) (int, error) {
	n, err := syscall.EpollWait(ep.fd, ep.events, msec)
	if err != nil {
		if err == syscall.EINTR {
			return 0, nil
		}
		return -1, err
	}
	return n, nil
}

func (ep *Epoll) Close() error {
	if ep.fd != 0 {
		return unix.Close(ep.fd)
	}
	return nil
}

// Source turns an interrupt eventfd into a waitable signal stream. Each
// Wait blocks until the descriptor fires, draining it so level-triggered
// sources re-arm.
type Source struct {
	ev    EventFD
	epoll Epoll
}

// NewSource wraps fd, an eventfd the platform signals on hardware
// interrupts.
func NewSource(fd int) (*Source, error) {
	s := &Source{ev: Wrap(fd)}

	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return nil, err
	}
	if err = s.epoll.AddEvent(s.ev.FD()); err != nil {
		_ = s.epoll.Close()
		return nil, err
	}
	return s, nil
}

// waitSliceMsec bounds each epoll wait so context cancellation is
// noticed without needing a second wakeup descriptor.
const waitSliceMsec = 250

func (s *Source) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := s.epoll.Block(waitSliceMsec)
		if err != nil {
			return err
		}
		if n > 0 {
			_ = s.ev.Drain()
			return nil
		}
	}
}

func (s *Source) Close() error {
	if err := s.epoll.Close(); err != nil {
		return err
	}
	return s.ev.Close()
}
