package patientcount

import (
	"bytes"
	"encoding/json"
	"strings"
)

const shapeKeyPreview = 3

// DescribeShape summarises the top-level layout of a JSON document for
// display: "array" for a bare list, "object with keys: a, b, c..." for an
// object (first keys in document order), the JSON kind otherwise.
func DescribeShape(data []byte) string {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return "invalid"
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		switch tok.(type) {
		case nil:
			return "null"
		case string:
			return "string"
		case bool:
			return "boolean"
		default:
			return "number"
		}
	}
	if delim == '[' {
		return "array"
	}

	var keys []string
	total := 0
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, _ := keyTok.(string)
		if len(keys) < shapeKeyPreview {
			keys = append(keys, key)
		}
		total++

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			break
		}
	}
	if total == 0 {
		return "empty object"
	}
	desc := "object with keys: " + strings.Join(keys, ", ")
	if total > shapeKeyPreview {
		desc += "..."
	}
	return desc
}
