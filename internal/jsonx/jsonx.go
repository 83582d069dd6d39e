// Package jsonx centralizes JSON codec configuration. Hot paths (stream
// chunk parsing, usage extraction) use sonic's fastest config; anything
// user-facing uses the std-compatible config.
package jsonx

import (
	"github.com/bytedance/sonic"
)

var (
	// FastestConfig for performance-critical paths.
	FastestConfig = sonic.ConfigFastest

	// SafeConfig with full validation, std-compatible.
	SafeConfig = sonic.ConfigStd
)

// FastMarshal serializes with the fastest config.
func FastMarshal(v any) ([]byte, error) {
	return FastestConfig.Marshal(v)
}

// FastUnmarshal deserializes with the fastest config.
func FastUnmarshal(data []byte, v any) error {
	return FastestConfig.Unmarshal(data, v)
}

// SafeMarshal serializes with validation.
func SafeMarshal(v any) ([]byte, error) {
	return SafeConfig.Marshal(v)
}

// SafeUnmarshal deserializes with validation.
func SafeUnmarshal(data []byte, v any) error {
	return SafeConfig.Unmarshal(data, v)
}

// MustMarshal serializes ignoring errors; for values known to be encodable.
func MustMarshal(v any) []byte {
	b, _ := FastestConfig.Marshal(v)
	return b
}

// MarshalIndent serializes with indentation.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return SafeConfig.MarshalIndent(v, prefix, indent)
}
