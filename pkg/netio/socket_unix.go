//go:build unix

package netio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func applySocketOptions(fd int, cfg SocketConfig) error {
	recvBuf, sendBuf := VoiceRecvBuffer, VoiceSendBuffer
	if cfg.BufferSize > DefaultBufferSize {
		recvBuf = cfg.BufferSize * 4
		sendBuf = cfg.BufferSize * 2
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBuf); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", recvBuf, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sendBuf); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", sendBuf, err)
	}

	if cfg.DSCP > 0 {
		// DSCP в старших 6 битах TOS; в контейнерах может быть запрещено
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, cfg.DSCP<<2)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, cfg.DSCP<<2)
	}

	if cfg.ReusePort {
		if err := setReusePort(fd); err != nil {
			return fmt.Errorf("ошибка установки SO_REUSEPORT: %w", err)
		}
	}

	if cfg.BindToDevice != "" {
		if err := bindToDevice(fd, cfg.BindToDevice); err != nil {
			return fmt.Errorf("ошибка привязки к устройству %s: %w", cfg.BindToDevice, err)
		}
	}

	setVoicePriority(fd)
	return nil
}
