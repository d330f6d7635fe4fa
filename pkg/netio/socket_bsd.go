//go:build unix && !linux && !darwin

package netio

import "golang.org/x/sys/unix"

func setReusePort(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func bindToDevice(fd int, device string) error {
	return nil
}

func setVoicePriority(fd int) {}
