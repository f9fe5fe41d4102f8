package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Canonicalize renders a PolicySpec as JSON with object keys sorted
// lexicographically at every depth. Two specs that are semantically
// identical but differ only in map/struct field emission order produce
// byte-identical canonical output.
func Canonicalize(spec PolicySpec) ([]byte, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

// Hash returns the hex SHA-256 digest of the spec's canonical serialization.
func Hash(spec PolicySpec) (string, error) {
	canon, err := Canonicalize(spec)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// marshalSorted re-serializes a generic JSON value (as produced by
// encoding/json's default map[string]interface{} decoding) with object keys
// sorted at every depth. encoding/json already sorts map keys when marshaling
// map[string]interface{}, but struct-derived field order is preserved by
// Go's reflection order; round-tripping through an untyped map normalizes
// both cases to the same sorted-key representation.
func marshalSorted(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil

	case []interface{}:
		buf := []byte{'['}
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			buf = append(buf, eb...)
		}
		buf = append(buf, ']')
		return buf, nil

	default:
		return json.Marshal(val)
	}
}
