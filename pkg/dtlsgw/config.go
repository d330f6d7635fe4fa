package dtlsgw

import (
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/dtls_gw/pkg/dtlsconn"
)

const (
	// ModuleName имя модуля в логах и метриках
	ModuleName = "dtls_gw"

	// DefaultModuleIndex индекс слота модуля в потоках relay
	DefaultModuleIndex = 0

	// DefaultQueueSize емкость входной очереди рабочего
	DefaultQueueSize = 1024
)

// Config конфигурация модуля
type Config struct {
	ModuleIndex int             // Индекс слота в relay.Stream.ModuleSlot
	QueueSize   int             // Емкость входной очереди
	Conn        dtlsconn.Config // Общая конфигурация соединений
	// Engine фабрика движков рукопожатия; nil означает pion
	Engine dtlsconn.EngineFactory
	// Registerer реестр метрик; nil означает отдельный новый реестр
	Registerer prometheus.Registerer
	Namespace  string
	Logger     *slog.Logger
}

// DefaultConfig возвращает конфигурацию по умолчанию с новым сертификатом
func DefaultConfig() (Config, error) {
	conn, err := dtlsconn.DefaultConfig()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ModuleIndex: DefaultModuleIndex,
		QueueSize:   DefaultQueueSize,
		Conn:        conn,
		Namespace:   "rtpproxy",
	}, nil
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.ModuleIndex < 0 {
		return fmt.Errorf("индекс модуля не может быть отрицательным: %d", c.ModuleIndex)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("емкость очереди должна быть положительной: %d", c.QueueSize)
	}
	if err := c.Conn.Validate(); err != nil {
		return fmt.Errorf("конфигурация соединений: %w", err)
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
