package codec

import (
	jsoniter "github.com/json-iterator/go"
)

// JSONCodec serializes JSON field values. It uses json-iterator configured
// to behave like encoding/json (sorted map keys, HTML escaping), so equal
// values always produce equal bytes.
type JSONCodec struct{}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// Unmarshal decodes into the generic JSON model: map[string]any, []any,
// float64, string, bool and nil.
func (JSONCodec) Unmarshal(data []byte) (any, error) {
	var v any
	if err := jsonAPI.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
