package automation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Flatten renders v as "key = value" lines, one per leaf, for rule matching.
// Map keys are sorted; nested keys join with "." and list elements carry a
// positional "[i]" suffix:
//
//	details.os = Linux
//	services[0].port = 22
//	target_host = 10.0.0.5
//
// v is first encoded as JSON, so struct fields appear under their json names.
func Flatten(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("flatten: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return "", fmt.Errorf("flatten: %w", err)
	}

	var lines []string
	flattenInto(&lines, "", tree)
	return strings.Join(lines, "\n"), nil
}

func flattenInto(lines *[]string, key string, v any) {
	switch node := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if key != "" {
				child = key + "." + k
			}
			flattenInto(lines, child, node[k])
		}
	case []any:
		for i, item := range node {
			flattenInto(lines, fmt.Sprintf("%s[%d]", key, i), item)
		}
	case nil:
		*lines = append(*lines, key+" = null")
	default:
		*lines = append(*lines, fmt.Sprintf("%s = %v", key, node))
	}
}
