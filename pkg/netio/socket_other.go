//go:build !unix

package netio

// applySocketOptions на платформах без unix сокетов настройки не применяются
func applySocketOptions(fd int, cfg SocketConfig) error {
	return nil
}
