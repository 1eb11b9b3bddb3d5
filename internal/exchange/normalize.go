package exchange

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/structpb"
)

// Normalize converts an opaque map into plain JSON values (map[string]any, []any,
// float64, string, bool, nil) so it can be forwarded and compared safely. Values that
// structpb cannot represent directly are passed through a JSON round trip first.
func Normalize(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		b, jerr := json.Marshal(m)
		if jerr != nil {
			return nil, jerr
		}
		var plain map[string]any
		if jerr := json.Unmarshal(b, &plain); jerr != nil {
			return nil, jerr
		}
		if s, err = structpb.NewStruct(plain); err != nil {
			return nil, err
		}
	}
	return s.AsMap(), nil
}
