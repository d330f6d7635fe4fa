//go:build darwin

package netio

import "golang.org/x/sys/unix"

// setReusePort на macOS SO_REUSEADDR стабильнее, SO_REUSEPORT ставим по возможности
func setReusePort(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	return nil
}

// bindToDevice на macOS нет аналога SO_BINDTODEVICE
func bindToDevice(fd int, device string) error {
	return nil
}

func setVoicePriority(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}
