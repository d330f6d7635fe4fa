package dtlsconn

import (
	"fmt"
	"runtime"

	"github.com/arzzra/dtls_gw/pkg/srtpsuite"
)

// keyingLabel метка экспорта ключей DTLS-SRTP (RFC 5764)
const keyingLabel = "EXTRACTOR-dtls_srtp"

type keyPair struct {
	key  []byte
	salt []byte
}

func (k *keyPair) wipe() {
	wipe(k.key)
	wipe(k.salt)
}

// wipe обнуляет буфер. Вызов не должен исчезать при оптимизации,
// даже если буфер дальше не используется.
//
//go:noinline
func wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}

// splitKeyingMaterial раскладывает экспортированный блок:
// ключ клиента, ключ сервера, соль клиента, соль сервера.
func splitKeyingMaterial(km []byte, s *srtpsuite.Suite) (client, server keyPair, err error) {
	if len(km) != 2*s.MasterLen() {
		return keyPair{}, keyPair{}, fmt.Errorf("длина ключевого материала %d, ожидалось %d", len(km), 2*s.MasterLen())
	}

	off := 0
	take := func(n int) []byte {
		b := make([]byte, n)
		copy(b, km[off:off+n])
		off += n
		return b
	}
	client.key = take(s.KeyLen)
	server.key = take(s.KeyLen)
	client.salt = take(s.SaltLen)
	server.salt = take(s.SaltLen)
	return client, server, nil
}

// deriveKeys экспортирует ключи и выбирает направления: активная сторона
// шифрует ключом клиента, пассивная ключом сервера.
func deriveKeys(e Engine, s *srtpsuite.Suite, active bool) (out, in keyPair, err error) {
	km, err := e.ExportKeyingMaterial(keyingLabel, 2*s.MasterLen())
	if err != nil {
		return keyPair{}, keyPair{}, fmt.Errorf("экспорт ключевого материала: %w", err)
	}
	defer wipe(km)

	client, server, err := splitKeyingMaterial(km, s)
	if err != nil {
		return keyPair{}, keyPair{}, err
	}
	if active {
		return client, server, nil
	}
	return server, client, nil
}
