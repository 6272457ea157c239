package conflict

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Merge combines local and remote snapshots of one entity field by field:
//
//   - array fields: union by canonical structural equality, local elements
//     first, remote-only elements appended in their remote order
//   - object fields: merged recursively
//   - scalar fields: the non-empty side wins; when both sides hold different
//     non-empty values, local wins and the tie is logged
//   - updatedAt: the later timestamp, so the server's last-write-wins check
//     accepts the merged document
//
// Merge never fails on irreconcilable fields; it decides local-wins and
// records the decision. The returned decisions list is the audit trail.
func Merge(local, remote json.RawMessage) (json.RawMessage, []string, error) {
	var lfields, rfields map[string]any
	if err := json.Unmarshal(local, &lfields); err != nil {
		return nil, nil, fmt.Errorf("failed to parse local snapshot: %w", err)
	}
	if err := json.Unmarshal(remote, &rfields); err != nil {
		return nil, nil, fmt.Errorf("failed to parse remote snapshot: %w", err)
	}

	merged, decisions := mergeObjects(lfields, rfields, "")

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal merged document: %w", err)
	}
	return out, decisions, nil
}

func mergeObjects(local, remote map[string]any, prefix string) (map[string]any, []string) {
	merged := make(map[string]any, len(local)+len(remote))
	var decisions []string

	for _, key := range unionKeys(local, remote) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		lv, lok := local[key]
		rv, rok := remote[key]

		switch {
		case !rok || isEmptyValue(rv):
			merged[key] = lv
			if rok && !isEmptyValue(lv) {
				decisions = append(decisions, fmt.Sprintf("%s: remote empty, kept local", path))
			}

		case !lok || isEmptyValue(lv):
			merged[key] = rv
			decisions = append(decisions, fmt.Sprintf("%s: local empty, adopted remote", path))

		default:
			v, d := mergeValues(lv, rv, path)
			merged[key] = v
			decisions = append(decisions, d...)
		}
	}

	return merged, decisions
}

func mergeValues(lv, rv any, path string) (any, []string) {
	// updatedAt carries the last-write-wins timestamp; take the later side
	// so the server accepts the merged document.
	if path == "updatedAt" {
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		if lok && rok && rs > ls {
			return rv, nil
		}
		return lv, nil
	}

	larr, lIsArr := lv.([]any)
	rarr, rIsArr := rv.([]any)
	if lIsArr && rIsArr {
		union, added := unionArrays(larr, rarr)
		var decisions []string
		if added > 0 {
			decisions = append(decisions, fmt.Sprintf("%s: union of local and remote lists (%d remote elements added)", path, added))
		}
		return union, decisions
	}

	lobj, lIsObj := lv.(map[string]any)
	robj, rIsObj := rv.(map[string]any)
	if lIsObj && rIsObj {
		return mergeObjects(lobj, robj, path)
	}

	if canonicalJSON(lv) == canonicalJSON(rv) {
		return lv, nil
	}

	// Both sides changed to different non-empty values: local wins, logged
	// for manual review.
	return lv, []string{fmt.Sprintf("%s: both sides changed, local %s kept over remote %s",
		path, canonicalJSON(lv), canonicalJSON(rv))}
}

// unionArrays keeps local order and appends remote elements not already
// present. Equality is canonical: object keys are compared sorted, so two
// objects that differ only in key order are one element.
func unionArrays(local, remote []any) ([]any, int) {
	seen := make(map[string]bool, len(local))
	out := make([]any, 0, len(local)+len(remote))

	for _, v := range local {
		k := canonicalJSON(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}

	added := 0
	for _, v := range remote {
		k := canonicalJSON(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
			added++
		}
	}

	return out, added
}

// canonicalJSON renders a decoded JSON value in canonical form.
// encoding/json marshals map keys in sorted order, so re-marshalling a
// decoded value is order-insensitive for objects at every depth.
func canonicalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// isEmptyValue reports whether v is a JSON default: null, "", 0, false, or
// an empty array/object.
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func unionKeys(a, b map[string]any) []string {
	set := make(map[string]bool, len(a)+len(b))
	for k := range a {
		set[k] = true
	}
	for k := range b {
		set[k] = true
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
