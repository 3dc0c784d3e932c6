// Package datapath extracts values from nested dictionary-shaped data
// using a dotted path expression with optional indexes, eg. "orders[0].total".
//
// An unresolvable path is not an error, the extraction reports found=false,
// so callers can distinguish "missing" from a zero value.
package datapath

import (
	"strconv"
	"strings"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
)

// Step is one element of the Path, it is a MapStep or a SliceStep.
type Step interface {
	String() string
}

// MapStep is a key in a map.
type MapStep string

// SliceStep is an index in a slice.
type SliceStep int

type Path []Step

func (v MapStep) String() string {
	return string(v)
}

func (v SliceStep) String() string {
	return "[" + strconv.Itoa(int(v)) + "]"
}

func (p Path) String() string {
	var out strings.Builder
	for _, step := range p {
		if v, ok := step.(MapStep); ok && out.Len() > 0 {
			out.WriteString(".")
			out.WriteString(string(v))
			continue
		}
		out.WriteString(step.String())
	}
	return out.String()
}

func MustParse(expr string) Path {
	path, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return path
}

// Parse converts a path expression to Path steps.
// For example "a.b[1].c" -> [MapStep("a"), MapStep("b"), SliceStep(1), MapStep("c")].
func Parse(expr string) (Path, error) {
	if expr == "" {
		return nil, errors.New("path expression cannot be empty")
	}

	var out Path
	for _, segment := range strings.Split(expr, ".") {
		name, indexes, err := parseSegment(segment)
		if err != nil {
			return nil, errors.PrefixErrorf(err, `invalid path expression "%s"`, expr)
		}
		if name != "" {
			out = append(out, MapStep(name))
		}
		out = append(out, indexes...)
	}
	return out, nil
}

func parseSegment(segment string) (string, []Step, error) {
	if segment == "" {
		return "", nil, errors.New("unexpected empty segment")
	}

	name := segment
	var indexes []Step
	if open := strings.IndexByte(segment, '['); open >= 0 {
		name = segment[:open]
		rest := segment[open:]
		for rest != "" {
			if rest[0] != '[' {
				return "", nil, errors.Errorf(`unexpected "%s"`, rest)
			}
			closing := strings.IndexByte(rest, ']')
			if closing < 0 {
				return "", nil, errors.Errorf(`missing "]" in "%s"`, segment)
			}
			index, err := strconv.Atoi(rest[1:closing])
			if err != nil || index < 0 {
				return "", nil, errors.Errorf(`expected a non-negative index, found "%s"`, rest[1:closing])
			}
			indexes = append(indexes, SliceStep(index))
			rest = rest[closing+1:]
		}
	}

	if name == "" && len(indexes) == 0 {
		return "", nil, errors.New("unexpected empty segment")
	}
	return name, indexes, nil
}

// Extract returns the value at the path in the data.
func Extract(data any, path Path) (value any, found bool) {
	current := data
	for _, step := range path {
		switch step := step.(type) {
		case MapStep:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			if current, ok = m[string(step)]; !ok {
				return nil, false
			}
		case SliceStep:
			s, ok := current.([]any)
			if !ok || int(step) >= len(s) {
				return nil, false
			}
			current = s[step]
		default:
			panic(errors.Errorf(`unexpected step type "%T"`, step))
		}
	}
	return current, true
}
