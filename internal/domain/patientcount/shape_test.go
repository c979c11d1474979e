package patientcount

import "testing"

func TestDescribeShape(t *testing.T) {
	tests := []struct {
		json string
		want string
	}{
		{`[1,2,3]`, "array"},
		{`[]`, "array"},
		{`{"count":2,"results":[]}`, "object with keys: count, results"},
		{`{"a":1,"b":{"x":[1]},"c":[],"d":null}`, "object with keys: a, b, c..."},
		{`{"z":1,"a":2,"m":3}`, "object with keys: z, a, m"},
		{`{}`, "empty object"},
		{`null`, "null"},
		{`"x"`, "string"},
		{`12`, "number"},
		{`true`, "boolean"},
		{``, "invalid"},
	}

	for _, tt := range tests {
		if got := DescribeShape([]byte(tt.json)); got != tt.want {
			t.Errorf("DescribeShape(%q) = %q, want %q", tt.json, got, tt.want)
		}
	}
}
