package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches ${dotted.ref} placeholders. Escaped placeholders
// (\${...}) are hidden behind a sentinel before matching since the regexp
// engine has no lookbehind.
var placeholderRe = regexp.MustCompile(`\$\{([^{}]+)\}`)

const escapeSentinel = "\x00measuroor-escaped-placeholder\x00"

// Interpolate walks a raw config tree and replaces ${path.to.value}
// placeholders inside string values. References resolve against the
// original root, values only (keys are never rewritten), single pass.
// A backslash escapes a placeholder: \${...} becomes a literal ${...}.
func Interpolate(raw map[string]interface{}) (map[string]interface{}, error) {
	out, err := walkInterpolate(raw, raw)
	if err != nil {
		return nil, err
	}

	resolved, ok := out.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("config root must be a mapping after interpolation")
	}

	return resolved, nil
}

func walkInterpolate(root map[string]interface{}, node interface{}) (interface{}, error) {
	switch v := node.(type) {
	case string:
		return interpolateString(root, v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			resolved, err := walkInterpolate(root, val)
			if err != nil {
				return nil, err
			}

			out[key] = resolved
		}

		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			resolved, err := walkInterpolate(root, item)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return node, nil
	}
}

// interpolateString replaces every unescaped placeholder in s.
func interpolateString(root map[string]interface{}, s string) (string, error) {
	if !strings.Contains(s, "${") {
		return s, nil
	}

	masked := strings.ReplaceAll(s, `\${`, escapeSentinel)

	var resolveErr error

	out := placeholderRe.ReplaceAllStringFunc(masked, func(match string) string {
		ref := strings.TrimSpace(placeholderRe.FindStringSubmatch(match)[1])

		value, err := resolveRef(root, ref)
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}

			return match
		}

		scalar, err := scalarString(ref, value)
		if err != nil {
			if resolveErr == nil {
				resolveErr = err
			}

			return match
		}

		return scalar
	})

	if resolveErr != nil {
		return "", resolveErr
	}

	return strings.ReplaceAll(out, escapeSentinel, "${"), nil
}

// resolveRef resolves a dotted reference path like "build.build_dir"
// within the config tree. References traverse mappings only and every path
// segment must exist.
func resolveRef(root map[string]interface{}, ref string) (interface{}, error) {
	if ref == "" || strings.HasPrefix(ref, ".") || strings.HasSuffix(ref, ".") {
		return nil, fmt.Errorf("invalid interpolation reference %q", ref)
	}

	var cur interface{} = root

	parts := strings.Split(ref, ".")
	for i, key := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			prefix := strings.Join(parts[:i], ".")
			if prefix == "" {
				prefix = "<root>"
			}

			return nil, fmt.Errorf("cannot resolve %q: %q is not a mapping", ref, prefix)
		}

		next, exists := m[key]
		if !exists {
			prefix := strings.Join(parts[:i], ".")
			if prefix == "" {
				prefix = "<root>"
			}

			return nil, fmt.Errorf("cannot resolve %q: missing key %q under %q", ref, key, prefix)
		}

		cur = next
	}

	return cur, nil
}

// scalarString renders a resolved reference value. Referenced values must
// be scalars; mappings and lists are errors.
func scalarString(ref string, value interface{}) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", fmt.Errorf("interpolation reference %q resolved to null", ref)
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("interpolation reference %q must resolve to a scalar, got %T", ref, value)
	}
}
