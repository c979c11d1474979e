// Package patientcount infers how many patient records an upstream JSON
// payload represents. Upstream deployments disagree on response shape (bare
// arrays, paginated envelopes, count envelopes, relation edge lists), so the
// count is derived by an ordered chain of rules where the first match wins.
package patientcount

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// DefaultContainerKeys is the envelope field priority used when counting the
// configured sites' patient listings.
var DefaultContainerKeys = []string{
	"results",
	"data",
	"patients",
	"items",
	"users_services",
	"users",
	"user_services",
}

// ProbeContainerKeys is the envelope field priority used by the ad-hoc
// endpoint probe, which mostly targets "my patients" style endpoints.
var ProbeContainerKeys = []string{
	"patients",
	"my_patients",
	"data",
	"results",
	"items",
	"records",
	"patient_list",
	"patientList",
}

// PatientLikeKeys are the field names that make a nested object look like a
// patient record.
var PatientLikeKeys = []string{"id", "name", "email", "patient_id", "patientId"}

// rule is one step of the counting chain. apply reports ok=false when the
// rule does not recognise the value, letting the next rule try.
type rule struct {
	name  string
	apply func(n *Normalizer, v any) (int, bool)
}

// Normalizer counts patient-like records in decoded JSON values. Values are
// expected to come from encoding/json (maps, slices, strings, bools, nil,
// float64 or json.Number).
type Normalizer struct {
	containerKeys []string
	rules         []rule
}

// New returns a Normalizer that checks envelope fields in the given priority
// order.
func New(containerKeys ...string) *Normalizer {
	keys := make([]string, len(containerKeys))
	copy(keys, containerKeys)
	return &Normalizer{
		containerKeys: keys,
		rules: []rule{
			{name: "edge-list", apply: countEdgeList},
			{name: "list", apply: countList},
			{name: "container-field", apply: countContainerField},
			{name: "count-field", apply: numericField("count")},
			{name: "total-field", apply: numericField("total")},
			{name: "longest-list", apply: countLongestList},
			{name: "patient-like-entries", apply: countPatientLikeEntries},
		},
	}
}

// Default returns the normalizer used for configured sites.
func Default() *Normalizer {
	return New(DefaultContainerKeys...)
}

// Probe returns the normalizer used by the endpoint probe.
func Probe() *Normalizer {
	return New(ProbeContainerKeys...)
}

var defaultNormalizer = Default()

// Count applies the default normalizer to v.
func Count(v any) int {
	return defaultNormalizer.Count(v)
}

// Count returns the number of patient-like records v represents. It never
// fails: anything it cannot interpret counts as 0.
func (n *Normalizer) Count(v any) int {
	count, _ := n.Explain(v)
	return count
}

// Explain is Count plus the name of the rule that produced the result, or
// "none" when no rule matched.
func (n *Normalizer) Explain(v any) (int, string) {
	if v == nil {
		return 0, "none"
	}
	for _, r := range n.rules {
		if c, ok := r.apply(n, v); ok {
			return c, r.name
		}
	}
	return 0, "none"
}

// CountJSON decodes data and counts it. Malformed JSON counts as 0.
func (n *Normalizer) CountJSON(data []byte) int {
	v, err := Decode(data)
	if err != nil {
		return 0
	}
	return n.Count(v)
}

// Decode parses a JSON document keeping numbers as json.Number so large
// identifiers survive intact.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

func countEdgeList(_ *Normalizer, v any) (int, bool) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return 0, false
	}
	sources := make(map[string]struct{}, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return 0, false
		}
		src, hasSource := obj["source"]
		_, hasTarget := obj["target"]
		if !hasSource || !hasTarget {
			return 0, false
		}
		if src == nil {
			continue
		}
		sources[identity(src)] = struct{}{}
	}
	return len(sources), true
}

func countList(_ *Normalizer, v any) (int, bool) {
	list, ok := v.([]any)
	if !ok {
		return 0, false
	}
	return len(list), true
}

func countContainerField(n *Normalizer, v any) (int, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	for _, key := range n.containerKeys {
		if list, ok := obj[key].([]any); ok {
			return len(list), true
		}
	}
	return 0, false
}

func numericField(field string) func(*Normalizer, any) (int, bool) {
	return func(_ *Normalizer, v any) (int, bool) {
		obj, ok := v.(map[string]any)
		if !ok {
			return 0, false
		}
		return toCount(obj[field])
	}
}

func countLongestList(_ *Normalizer, v any) (int, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	longest := 0
	for _, field := range obj {
		if list, ok := field.([]any); ok && len(list) > longest {
			longest = len(list)
		}
	}
	return longest, longest > 0
}

func countPatientLikeEntries(_ *Normalizer, v any) (int, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return 0, false
	}
	count := 0
	for _, field := range obj {
		nested, ok := field.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range PatientLikeKeys {
			if _, has := nested[key]; has {
				count++
				break
			}
		}
	}
	return count, count > 0
}

// toCount converts a JSON number into a non-negative count. Fractions are
// truncated.
func toCount(v any) (int, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || f <= 0 {
		return 0, true
	}
	if f > math.MaxInt32 {
		return math.MaxInt32, true
	}
	return int(math.Trunc(f)), true
}

// identity builds a set key for an edge source. Numbers and strings never
// collide: 1 and "1" are different sources.
func identity(v any) string {
	switch s := v.(type) {
	case string:
		return "s:" + s
	case json.Number:
		if i, err := s.Int64(); err == nil {
			return "n:" + strconv.FormatInt(i, 10)
		}
		if f, err := s.Float64(); err == nil {
			return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
		}
		return "n:" + s.String()
	case float64:
		return "n:" + strconv.FormatFloat(s, 'g', -1, 64)
	case bool:
		return "b:" + strconv.FormatBool(s)
	default:
		raw, _ := json.Marshal(s)
		return "j:" + string(raw)
	}
}
