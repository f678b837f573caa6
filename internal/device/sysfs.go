// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// sysReadFile is a simplified os.ReadFile that invokes unix.Read directly.
func sysReadFile(file string) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	// Some hwmon and i2c sensor drivers return EAGAIN, which makes
	// os.ReadFile poll forever. Read once and bail.
	b := make([]byte, 128)
	n, err := unix.Read(int(f.Fd()), b)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, fmt.Errorf("failed to read file: %q, read returned negative bytes value: %d", file, n)
	}

	return b[:n], nil
}

func readString(file string) (string, error) {
	data, err := sysReadFile(file)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readUint parses an unsigned integer file using C strtoul base detection
// so values such as 0x10 are accepted.
func readUint(file string) (uint64, error) {
	s, err := readString(file)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	return v, nil
}

// readInt is readUint for values that may legitimately be negative.
func readInt(file string) (int64, error) {
	s, err := readString(file)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	return v, nil
}

func isSymlink(path string) bool {
	fi, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeSymlink != 0
}
