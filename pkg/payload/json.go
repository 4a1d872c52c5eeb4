package payload

import "encoding/json"

// JSON encodes values with encoding/json. The convenient default for
// hand-written services; switch to Proto when the schema needs to outlive
// the code.
type JSON struct{}

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
