package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

func appendJSONField(obj []byte, key string, v any) ([]byte, error) {
	obj = bytes.TrimSpace(obj)
	if len(obj) < 2 || obj[len(obj)-1] != '}' {
		return nil, fmt.Errorf("cannot extend non-object json")
	}
	val, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	k, _ := json.Marshal(key)
	out := make([]byte, 0, len(obj)+len(k)+len(val)+2)
	out = append(out, obj[:len(obj)-1]...)
	if len(bytes.TrimSpace(obj[1:len(obj)-1])) > 0 {
		out = append(out, ',')
	}
	out = append(out, k...)
	out = append(out, ':')
	out = append(out, val...)
	out = append(out, '}')
	return out, nil
}

func unmarshalJSON(b []byte, dst any) error { return json.Unmarshal(b, dst) }
