package lifecycle

import "encoding/json"

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func unmarshalJSON(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
