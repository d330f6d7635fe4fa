// Package srtpsuite таблица криптонаборов SRTP, которые может согласовать
// DTLS-SRTP рукопожатие.
//
// Каждая строка фиксирует размеры ключа, соли и тега аутентификации и
// функцию, заполняющую политику SRTP для этого набора. Таблица неизменяема.
package srtpsuite

import (
	"errors"
	"fmt"

	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v2"
)

// DefaultReplayWindow размер окна защиты от повторов SRTP
const DefaultReplayWindow = 128

var (
	// ErrUnknownProfile согласован профиль, которого нет в таблице
	ErrUnknownProfile = errors.New("неизвестный профиль защиты SRTP")
	// ErrNoPolicy набор есть в таблице, но движок SRTP его не поддерживает
	ErrNoPolicy = errors.New("набор SRTP не поддерживается движком")
	// ErrKeyLength длина ключа или соли не совпадает с набором
	ErrKeyLength = errors.New("неверная длина ключа SRTP")
)

// Service услуги безопасности SRTP
type Service int

const (
	ServiceNone Service = iota
	ServiceConf
	ServiceAuth
	ServiceConfAuth
)

// Policy параметры контекста SRTP
type Policy struct {
	Profile      srtp.ProtectionProfile
	ReplayWindow uint
	TagLen       int
	Service      Service
}

// PolicyFunc заполняет политику для набора
type PolicyFunc func(p *Policy)

// Suite строка таблицы криптонаборов
type Suite struct {
	Name    string
	Profile dtls.SRTPProtectionProfile // идентификатор в расширении use_srtp; 0 = не согласуется
	KeyLen  int
	SaltLen int
	TagLen  int
	Service Service
	Policy  PolicyFunc // nil = движок SRTP набор не реализует
}

func profilePolicy(profile srtp.ProtectionProfile, tag int) PolicyFunc {
	return func(p *Policy) {
		p.Profile = profile
		p.TagLen = tag
		p.Service = ServiceConfAuth
		if p.ReplayWindow == 0 {
			p.ReplayWindow = DefaultReplayWindow
		}
	}
}

var suites = []Suite{
	{Name: "AES_CM_128_HMAC_SHA1_32", Profile: dtls.SRTP_AES128_CM_HMAC_SHA1_32,
		KeyLen: 16, SaltLen: 14, TagLen: 4, Service: ServiceConfAuth,
		Policy: profilePolicy(srtp.ProtectionProfileAes128CmHmacSha1_32, 4)},
	{Name: "AES_CM_128_HMAC_SHA1_80", Profile: dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		KeyLen: 16, SaltLen: 14, TagLen: 10, Service: ServiceConfAuth,
		Policy: profilePolicy(srtp.ProtectionProfileAes128CmHmacSha1_80, 10)},
	{Name: "F8_128_HMAC_SHA1_32",
		KeyLen: 16, SaltLen: 14, TagLen: 4, Service: ServiceConfAuth},
	{Name: "F8_128_HMAC_SHA1_80",
		KeyLen: 16, SaltLen: 14, TagLen: 10, Service: ServiceConfAuth},
	// dtls/v2 не разбирает идентификаторы AES-256-CM в use_srtp
	{Name: "AES_256_CM_HMAC_SHA1_32",
		KeyLen: 32, SaltLen: 14, TagLen: 4, Service: ServiceConfAuth},
	{Name: "AES_256_CM_HMAC_SHA1_80",
		KeyLen: 32, SaltLen: 14, TagLen: 10, Service: ServiceConfAuth},
	{Name: "AES_128_GCM", Profile: dtls.SRTP_AEAD_AES_128_GCM,
		KeyLen: 16, SaltLen: 12, TagLen: 16, Service: ServiceConfAuth,
		Policy: profilePolicy(srtp.ProtectionProfileAeadAes128Gcm, 16)},
	{Name: "AES_256_GCM", Profile: dtls.SRTP_AEAD_AES_256_GCM,
		KeyLen: 32, SaltLen: 12, TagLen: 16, Service: ServiceConfAuth,
		Policy: profilePolicy(srtp.ProtectionProfileAeadAes256Gcm, 16)},
}

// порядок предпочтения в use_srtp
var preference = []dtls.SRTPProtectionProfile{
	dtls.SRTP_AEAD_AES_128_GCM,
	dtls.SRTP_AES128_CM_HMAC_SHA1_80,
	dtls.SRTP_AES128_CM_HMAC_SHA1_32,
	dtls.SRTP_AEAD_AES_256_GCM,
}

var byProfile = func() map[dtls.SRTPProtectionProfile]*Suite {
	m := make(map[dtls.SRTPProtectionProfile]*Suite, len(suites))
	for i := range suites {
		if suites[i].Profile != 0 {
			m[suites[i].Profile] = &suites[i]
		}
	}
	return m
}()

// All возвращает копию всей таблицы
func All() []Suite {
	out := make([]Suite, len(suites))
	copy(out, suites)
	return out
}

// Lookup находит набор по согласованному профилю
func Lookup(profile dtls.SRTPProtectionProfile) (*Suite, error) {
	s, ok := byProfile[profile]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownProfile, uint16(profile))
	}
	return s, nil
}

// Advertised возвращает профили для расширения use_srtp в порядке предпочтения
func Advertised() []dtls.SRTPProtectionProfile {
	out := make([]dtls.SRTPProtectionProfile, 0, len(preference))
	for _, p := range preference {
		if s, ok := byProfile[p]; ok && s.Policy != nil {
			out = append(out, p)
		}
	}
	return out
}

// MasterLen длина пары ключ+соль одного направления
func (s *Suite) MasterLen() int {
	return s.KeyLen + s.SaltLen
}

// NewPolicy строит политику набора с заданным окном защиты от повторов
func (s *Suite) NewPolicy(window uint) (Policy, error) {
	if s.Policy == nil {
		return Policy{}, fmt.Errorf("%w: %s", ErrNoPolicy, s.Name)
	}
	p := Policy{ReplayWindow: window}
	s.Policy(&p)
	return p, nil
}

// NewContext создает контекст SRTP для одного направления
func (s *Suite) NewContext(key, salt []byte, window uint) (*srtp.Context, error) {
	if len(key) != s.KeyLen || len(salt) != s.SaltLen {
		return nil, fmt.Errorf("%w: %s ключ %d соль %d", ErrKeyLength, s.Name, len(key), len(salt))
	}
	pol, err := s.NewPolicy(window)
	if err != nil {
		return nil, err
	}

	ctx, err := srtp.CreateContext(key, salt, pol.Profile,
		srtp.SRTPReplayProtection(pol.ReplayWindow),
		srtp.SRTCPReplayProtection(pol.ReplayWindow))
	if err != nil {
		return nil, fmt.Errorf("не удалось создать контекст SRTP %s: %w", s.Name, err)
	}
	return ctx, nil
}

func (s Service) String() string {
	switch s {
	case ServiceConf:
		return "conf"
	case ServiceAuth:
		return "auth"
	case ServiceConfAuth:
		return "conf_and_auth"
	default:
		return "none"
	}
}
