package inventory

import (
	"strings"
)

// SerialPolicy decides which materials are serial/batch managed.
// A material is serial-managed when its code starts with one of the prefixes.
// 品目コードの接頭辞でシリアル/ロット管理対象を判定
type SerialPolicy struct {
	Prefixes []string `yaml:"serial_prefixes"`
}

// NewSerialPolicy creates a serial policy from the configured prefixes
// 設定された接頭辞からシリアルポリシーを作成
func NewSerialPolicy(prefixes []string) SerialPolicy {
	cleaned := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, strings.ToUpper(p))
		}
	}
	return SerialPolicy{Prefixes: cleaned}
}

// IsSerialManaged reports whether the material code requires a serial/batch per split
// 品目コードがシリアル/ロット管理対象かチェック
func (p SerialPolicy) IsSerialManaged(materialCode string) bool {
	code := strings.ToUpper(strings.TrimSpace(materialCode))
	if code == "" {
		return false
	}
	for _, prefix := range p.Prefixes {
		if strings.HasPrefix(code, prefix) {
			return true
		}
	}
	return false
}
