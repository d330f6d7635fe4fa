package dtlsconn

import (
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
)

// FingerprintAlgorithm единственный поддерживаемый алгоритм отпечатка
const FingerprintAlgorithm = "sha-256"

const (
	digestLen      = 32
	fingerprintLen = digestLen*3 - 1 // "AB:CD:..."
)

// CertificateFingerprint вычисляет отпечаток sha-256 сертификата в DER
// в виде "AB:CD:...".
func CertificateFingerprint(der []byte) (string, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return "", fmt.Errorf("не удалось разобрать сертификат: %w", err)
	}
	fp, err := fingerprint.Fingerprint(cert, crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("не удалось вычислить отпечаток: %w", err)
	}
	return strings.ToUpper(fp), nil
}

// FormatFingerprint строка "<алгоритм> <отпечаток>" для ответа сигнализации
func FormatFingerprint(fp string) string {
	return FingerprintAlgorithm + " " + fp
}

// normalizeFingerprint проверяет алгоритм и отпечаток и приводит отпечаток
// к виду "AB:CD:...". Принимается и отпечаток без двоеточий.
func normalizeFingerprint(alg, fp string) (string, error) {
	if !strings.EqualFold(alg, FingerprintAlgorithm) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	var digest []byte
	var err error
	switch len(fp) {
	case fingerprintLen:
		for i := 2; i < len(fp); i += 3 {
			if fp[i] != ':' {
				return "", fmt.Errorf("%w: ожидается ':' в позиции %d", ErrBadFingerprint, i)
			}
		}
		digest, err = hex.DecodeString(strings.ReplaceAll(fp, ":", ""))
	case digestLen * 2:
		digest, err = hex.DecodeString(fp)
	default:
		return "", fmt.Errorf("%w: длина %d", ErrBadFingerprint, len(fp))
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadFingerprint, err)
	}

	var b strings.Builder
	b.Grow(fingerprintLen)
	for i, octet := range digest {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", octet)
	}
	return b.String(), nil
}
