// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sustainable-computing-io/energymon/internal/energy"
)

// shmemSize is the size of a shared memory feed: a single native-endian
// uint64 holding cumulative microjoules, padded to a page.
const shmemSize = 4096

// ShmemFeed is a memory-mapped file through which one process publishes a
// cumulative energy total and others read it. The total is stored and loaded
// atomically so readers never observe a torn value.
type ShmemFeed struct {
	path     string
	data     []byte
	writable bool
}

var _ CounterChannel = (*ShmemFeed)(nil)

// OpenShmemFeed maps an existing feed read-only.
func OpenShmemFeed(path string) (*ShmemFeed, error) {
	return mapFeed(path, os.O_RDONLY, unix.PROT_READ)
}

// CreateShmemFeed creates (or truncates) a feed for publishing.
func CreateShmemFeed(path string) (*ShmemFeed, error) {
	return mapFeed(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, unix.PROT_READ|unix.PROT_WRITE)
}

func mapFeed(path string, flag, prot int) (*ShmemFeed, error) {
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open shared memory feed: %w", err)
	}
	defer func() { _ = f.Close() }()

	writable := prot&unix.PROT_WRITE != 0
	if writable {
		if err := f.Truncate(shmemSize); err != nil {
			return nil, fmt.Errorf("failed to size shared memory feed: %w", err)
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			return nil, err
		}
		if fi.Size() < 8 {
			return nil, fmt.Errorf("%w: shared memory feed %s is too small", ErrNoDevice, path)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, shmemSize, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map shared memory feed: %w", err)
	}
	return &ShmemFeed{path: path, data: data, writable: writable}, nil
}

func (s *ShmemFeed) Name() string {
	return s.path
}

func (s *ShmemFeed) total() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.data[0]))
}

// Energy returns the published total.
func (s *ShmemFeed) Energy() (energy.Energy, error) {
	if s.data == nil {
		return 0, errors.New("shared memory feed closed")
	}
	return energy.Energy(atomic.LoadUint64(s.total())), nil
}

// MaxEnergy is zero: the published total never wraps.
func (s *ShmemFeed) MaxEnergy() energy.Energy {
	return 0
}

// Store publishes a new total.
func (s *ShmemFeed) Store(e energy.Energy) error {
	if s.data == nil {
		return errors.New("shared memory feed closed")
	}
	if !s.writable {
		return errors.New("shared memory feed is read-only")
	}
	atomic.StoreUint64(s.total(), uint64(e))
	return nil
}

func (s *ShmemFeed) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.Munmap(s.data)
	s.data = nil
	return err
}
