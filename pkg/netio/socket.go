package netio

import (
	"fmt"
	"net"
)

// ListenUDP открывает UDP сокет на локальном адресе и применяет к нему
// настройки для голосового трафика.
func ListenUDP(addr string, cfg SocketConfig) (*net.UDPConn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("неверная конфигурация сокета: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения UDP адреса '%s': %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP сокета: %w", err)
	}

	if err := tuneSocket(conn, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}
	return conn, nil
}

func tuneSocket(conn *net.UDPConn, cfg SocketConfig) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("не удалось получить системный сокет: %w", err)
	}

	var optErr error
	err = rawConn.Control(func(fd uintptr) {
		optErr = applySocketOptions(int(fd), cfg)
	})
	if err != nil {
		return fmt.Errorf("ошибка управления сокетом: %w", err)
	}
	return optErr
}
