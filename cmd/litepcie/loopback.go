package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	litepcie "github.com/litex-hub/litepcie"
)

// runLoopback pushes total bytes through the channel's reader direction
// while draining the writer direction, relying on the card's (or the
// simulator's) loopback path to connect the two. Reads and writes run
// concurrently; both only ever move whole ring buffers.
func runLoopback(l *logrus.Logger, ch *litepcie.Channel, total int64) error {
	if ch == nil {
		return errors.New("channel 0 is not configured")
	}

	blockSize := int64(ch.BlockSize())
	total = total / blockSize * blockSize
	if total == 0 {
		return fmt.Errorf("loopback size must be at least one %d byte buffer", blockSize)
	}

	start := time.Now()
	var eg errgroup.Group

	eg.Go(func() error {
		buf := make([]byte, blockSize)
		for i := range buf {
			buf[i] = byte(i)
		}
		var sent int64
		for sent < total {
			n, err := ch.Write(buf)
			if err != nil {
				return fmt.Errorf("write at %d bytes: %w", sent, err)
			}
			sent += int64(n)
		}
		return nil
	})

	eg.Go(func() error {
		buf := make([]byte, blockSize)
		var received int64
		for received < total {
			n, err := ch.Read(buf)
			if err != nil {
				return fmt.Errorf("read at %d bytes: %w", received, err)
			}
			received += int64(n)
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	elapsed := time.Since(start)
	l.WithFields(logrus.Fields{
		"bytes":   total,
		"elapsed": elapsed,
		"rate":    fmt.Sprintf("%.1f MB/s", float64(total)/elapsed.Seconds()/1e6),
	}).Info("Loopback complete")
	return nil
}
