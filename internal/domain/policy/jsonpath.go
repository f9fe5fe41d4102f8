package policy

import "strings"

// resolvePath walks a dotted JSON path through a decoded JSON object.
// Traversal fails (ok=false) on a null, a non-object intermediate, or an
// absent key. Arrays are not indexable by numeric segments.
func resolvePath(payload map[string]interface{}, path string) (value interface{}, ok bool) {
	segments := strings.Split(path, ".")
	var cur interface{} = payload

	for _, seg := range segments {
		if cur == nil {
			return nil, false
		}
		obj, isObj := cur.(map[string]interface{})
		if !isObj {
			return nil, false
		}
		v, present := obj[seg]
		if !present {
			return nil, false
		}
		cur = v
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}
