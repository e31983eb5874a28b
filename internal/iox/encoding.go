// Package iox holds the small IO helpers shared by the executors: encoding
// resolution and replacement decoding, newline-preserving line splitting,
// strftime-style time prefixes, and last-N line clamping.
package iox

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// common aliases the IANA index does not know under these spellings
var encodingAliases = map[string]string{
	"utf8":  "utf-8",
	"cp936": "gbk",
	"936":   "gbk",
}

// Encoding decodes child output by IANA name. Decoding never fails:
// malformed input degrades to the Unicode replacement character.
type Encoding struct {
	name string
	enc  encoding.Encoding // nil for utf-8
}

// ResolveEncoding looks up name in the IANA index. An empty name resolves
// to utf-8. Unknown names return an error "Unsupported encoding: <name>".
func ResolveEncoding(name string) (*Encoding, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := encodingAliases[normalized]; ok {
		normalized = alias
	}
	if normalized == "" || normalized == "utf-8" {
		return &Encoding{name: "utf-8"}, nil
	}
	enc, err := ianaindex.IANA.Encoding(normalized)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("Unsupported encoding: %s", name)
	}
	return &Encoding{name: normalized, enc: enc}, nil
}

// Name returns the resolved encoding name.
func (e *Encoding) Name() string {
	return e.name
}

// Decode converts raw child output to a string. Undecodable bytes become
// U+FFFD; an error is never returned.
func (e *Encoding) Decode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if e.enc == nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	decoded, err := e.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return strings.ToValidUTF8(string(decoded), "�")
}
