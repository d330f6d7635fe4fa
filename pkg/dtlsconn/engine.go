package dtlsconn

import (
	"log/slog"
	"time"

	"github.com/pion/dtls/v2"
)

// HandshakeStatus результат рукопожатия на текущий момент
type HandshakeStatus int

const (
	HandshakePending HandshakeStatus = iota
	HandshakeComplete
	HandshakeFailed
)

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakePending:
		return "pending"
	case HandshakeComplete:
		return "complete"
	default:
		return "failed"
	}
}

// Engine движок DTLS рукопожатия одного соединения.
//
// Движок не меняет состояние соединения сам: о завершении или сбое он
// сообщает через EngineParams.Notify, после чего соединение опрашивает
// Status под своей блокировкой. Notify никогда не вызывается изнутри
// методов Engine.
type Engine interface {
	// Connect начинает рукопожатие в роли клиента
	Connect() error
	// Accept готовит движок к рукопожатию в роли сервера. Повторные вызовы ничего не делают.
	Accept() error
	// Feed передает движку входящую DTLS датаграмму
	Feed(b []byte) error
	// Status возвращает состояние рукопожатия и причину сбоя
	Status() (HandshakeStatus, error)
	// Deadline возвращает момент, к которому ожидается ответ удаленной стороны
	Deadline() (time.Time, bool)
	// HandleTimeout обрабатывает срабатывание таймера повторной передачи
	HandleTimeout(now time.Time) error
	// SelectedProfile возвращает согласованный профиль SRTP
	SelectedProfile() (dtls.SRTPProtectionProfile, bool)
	// ExportKeyingMaterial экспортирует n байт ключевого материала
	ExportKeyingMaterial(label string, n int) ([]byte, error)
	// PeerCertificate возвращает DER сертификата удаленной стороны
	PeerCertificate() ([]byte, error)
	// Close освобождает движок без ожидания его горутин
	Close() error
}

// EngineParams параметры создания движка
type EngineParams struct {
	Config Config
	// Write отправляет исходящую DTLS датаграмму через зашифрованный поток
	Write func(b []byte) (int, error)
	// Notify сообщает соединению, что состояние рукопожатия изменилось
	Notify func()
	Logger *slog.Logger
}

// EngineFactory создает движок. Создание не должно иметь внешних
// эффектов: не запускать горутины и не отправлять данные.
type EngineFactory func(p EngineParams) (Engine, error)
