// Package canonjson implements the deterministic JSON encoding content
// hashing needs (spec §9 "content-hash determinism"): object keys sorted
// lexically, no insignificant whitespace, and floats rejected outright
// rather than risking platform-dependent formatting — callers hash
// integers, strings, bools, and nested structures of those, never floats.
//
// Grounded on the teacher's resolver.go schemaHash pattern
// (sha256.Sum256 over a marshaled value, truncated to a short hex
// fingerprint); canonjson supplies the marshaling half that pattern needs
// to be order-independent.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Marshal encodes v into canonical form: object keys sorted, compact
// (no spaces/newlines), numbers emitted only as integers. Returns an
// error if v (or anything nested inside it) contains a float.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	buf, err := encode(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func encode(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case string:
		return appendJSONString(buf, val), nil
	case int:
		return strconv.AppendInt(buf, int64(val), 10), nil
	case int32:
		return strconv.AppendInt(buf, int64(val), 10), nil
	case int64:
		return strconv.AppendInt(buf, val, 10), nil
	case uint:
		return strconv.AppendUint(buf, uint64(val), 10), nil
	case uint64:
		return strconv.AppendUint(buf, val, 10), nil
	case float32, float64:
		return nil, fmt.Errorf("canonjson: floats are not canonical-hashable (got %v)", val)
	case json.Number:
		return encodeJSONNumber(buf, val)
	case []interface{}:
		return encodeSlice(buf, val)
	case map[string]interface{}:
		return encodeMap(buf, val)
	default:
		return encodeViaRoundTrip(buf, v)
	}
}

func encodeJSONNumber(buf []byte, n json.Number) ([]byte, error) {
	if _, err := n.Int64(); err == nil {
		return append(buf, n.String()...), nil
	}
	return nil, fmt.Errorf("canonjson: non-integer json.Number %q is not canonical-hashable", n.String())
}

func encodeSlice(buf []byte, s []interface{}) ([]byte, error) {
	buf = append(buf, '[')
	for i, item := range s {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = encode(buf, item)
		if err != nil {
			return nil, err
		}
	}
	return append(buf, ']'), nil
}

func encodeMap(buf []byte, m map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendJSONString(buf, k)
		buf = append(buf, ':')
		var err error
		buf, err = encode(buf, m[k])
		if err != nil {
			return nil, err
		}
	}
	return append(buf, '}'), nil
}

// encodeViaRoundTrip handles structs and other concrete types by
// marshaling through encoding/json (which sorts map keys but emits struct
// fields in declaration order), then re-decoding into generic
// map/slice/number form so the float check and key sort apply uniformly,
// struct-derived keys included.
func encodeViaRoundTrip(buf []byte, v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonjson: marshal %T: %w", v, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonjson: decode %T: %w", v, err)
	}
	return encode(buf, generic)
}

func appendJSONString(buf []byte, s string) []byte {
	quoted, _ := json.Marshal(s)
	return append(buf, quoted...)
}

// Hash canonical-marshals v and returns the full lowercase hex SHA-256
// digest, the form scenario_checksum uses.
func Hash(v interface{}) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// ShortHash is Hash truncated to 16 hex characters (the first 8 bytes of
// the digest) — the node_content_hash form, grounded on the teacher's
// resolver.go schemaHash truncation.
func ShortHash(v interface{}) (string, error) {
	raw, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8]), nil
}
