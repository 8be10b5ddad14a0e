// Package resolver substitutes ${job.field} references in chain spec
// params with values taken from earlier job results.
package resolver

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\$\{([^}]+)\}`)

var segment = regexp.MustCompile(`^(\w+)((?:\[\d+\])+)$`)

// Error is returned by strict resolution.
type Error struct {
	Ref string
	Msg string
}

func (e *Error) Error() string {
	if e.Ref == "" {
		return "template: " + e.Msg
	}
	return fmt.Sprintf("template %q: %s", e.Ref, e.Msg)
}

const (
	FirstFromPreviousJob = "first_from_previous_job"
	AllFromPreviousJob   = "all_from_previous_job"
)

type accessor func(result map[string]any) (any, bool)

var accessors = map[string]accessor{
	"first_match": firstFile,
	"first_file":  firstFile,
	"all_files": func(r map[string]any) (any, bool) {
		v, ok := r["files"]
		return v, ok
	},
	"content": func(r map[string]any) (any, bool) {
		v, ok := r["content"]
		return v, ok
	},
}

func firstFile(r map[string]any) (any, bool) {
	files, _ := r["files"].([]any)
	if len(files) == 0 {
		return nil, false
	}
	return files[0], true
}

// Resolver resolves templates. In strict mode any missing reference,
// out-of-range index or type mismatch is an error; otherwise it resolves
// to nil, or "" when embedded in a longer string.
type Resolver struct {
	Strict bool
}

// Params resolves every template in params, recursing through nested
// objects and lists. The input is not modified.
func (r Resolver) Params(params map[string]any, ctx *Context) (map[string]any, error) {
	out, err := r.resolveMap(params, ctx, map[uintptr]bool{})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r Resolver) resolveMap(params map[string]any, ctx *Context, visiting map[uintptr]bool) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	id := reflect.ValueOf(params).Pointer()
	if visiting[id] {
		if r.Strict {
			return nil, &Error{Msg: "circular reference in params"}
		}
		return params, nil
	}
	visiting[id] = true
	defer delete(visiting, id)

	out := make(map[string]any, len(params))
	for key, value := range params {
		switch v := value.(type) {
		case string:
			resolved, matched, err := r.semantic(key, v, ctx)
			if err != nil {
				return nil, err
			}
			if matched {
				out[key] = resolved
				continue
			}
			resolved, err = r.String(v, ctx)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		case map[string]any:
			nested, err := r.resolveMap(v, ctx, visiting)
			if err != nil {
				return nil, err
			}
			out[key] = nested
		case []any:
			list, err := r.resolveList(v, ctx, visiting)
			if err != nil {
				return nil, err
			}
			out[key] = list
		default:
			out[key] = value
		}
	}
	return out, nil
}

func (r Resolver) resolveList(items []any, ctx *Context, visiting map[uintptr]bool) ([]any, error) {
	if len(items) == 0 {
		return items, nil
	}
	id := reflect.ValueOf(items).Pointer()
	if visiting[id] {
		if r.Strict {
			return nil, &Error{Msg: "circular reference in params"}
		}
		return items, nil
	}
	visiting[id] = true
	defer delete(visiting, id)

	out := make([]any, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case string:
			resolved, err := r.String(v, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		case map[string]any:
			nested, err := r.resolveMap(v, ctx, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = nested
		case []any:
			nested, err := r.resolveList(v, ctx, visiting)
			if err != nil {
				return nil, err
			}
			out[i] = nested
		default:
			out[i] = item
		}
	}
	return out, nil
}

// String resolves one template string. When the whole string is a single
// placeholder the referenced value is returned as is, list or object
// included. Embedded placeholders are stringified in place.
func (r Resolver) String(tmpl string, ctx *Context) (any, error) {
	matches := placeholder.FindAllStringSubmatchIndex(tmpl, -1)
	if len(matches) == 0 {
		return tmpl, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(tmpl) {
		return r.reference(tmpl[matches[0][2]:matches[0][3]], ctx)
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		ref := tmpl[m[2]:m[3]]
		val, err := r.reference(ref, ctx)
		if err != nil {
			return nil, err
		}
		s, err := r.stringify(ref, val)
		if err != nil {
			return nil, err
		}
		b.WriteString(tmpl[last:m[0]])
		b.WriteString(s)
		last = m[1]
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

func (r Resolver) stringify(ref string, v any) (string, error) {
	switch t := v.(type) {
	case nil:
		if r.Strict {
			return "null", nil
		}
		return "", nil
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case json.Number:
		return t.String(), nil
	case []any, map[string]any:
		if r.Strict {
			return "", &Error{Ref: ref, Msg: fmt.Sprintf("cannot embed %s in a string", kindOf(v))}
		}
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return fmt.Sprint(t), nil
	}
}

// reference resolves "job.field.path" against ctx.
func (r Resolver) reference(ref string, ctx *Context) (any, error) {
	ref = strings.TrimSpace(ref)
	jobName, fieldPath, _ := strings.Cut(ref, ".")
	result, ok := ctx.Get(jobName)
	if !ok {
		return r.miss(ref, fmt.Sprintf("job %q not in context", jobName))
	}
	if fieldPath == "" {
		return result, nil
	}

	first := fieldPath
	if i := strings.IndexAny(first, ".["); i >= 0 {
		first = first[:i]
	}
	if acc, ok := accessors[first]; ok {
		obj, isMap := result.(map[string]any)
		if !isMap {
			return r.miss(ref, "accessor "+first+" needs an object result")
		}
		val, found := acc(obj)
		if !found {
			return r.miss(ref, "accessor "+first+" found no value")
		}
		rest := strings.TrimPrefix(fieldPath[len(first):], ".")
		if rest == "" {
			return val, nil
		}
		return r.walk(val, rest, ref)
	}
	return r.walk(result, fieldPath, ref)
}

type token struct {
	key   string
	index int
	isIdx bool
}

func parsePath(path string) []token {
	var out []token
	for _, part := range strings.Split(path, ".") {
		m := segment.FindStringSubmatch(part)
		if m == nil {
			out = append(out, token{key: part})
			continue
		}
		out = append(out, token{key: m[1]})
		for _, idx := range strings.Split(strings.Trim(m[2], "[]"), "][") {
			n, _ := strconv.Atoi(idx)
			out = append(out, token{index: n, isIdx: true})
		}
	}
	return out
}

func (r Resolver) walk(obj any, path, ref string) (any, error) {
	cur := obj
	for _, tok := range parsePath(path) {
		if tok.isIdx {
			list, ok := cur.([]any)
			if !ok {
				return r.miss(ref, fmt.Sprintf("cannot index %s", kindOf(cur)))
			}
			if tok.index < 0 || tok.index >= len(list) {
				return r.miss(ref, fmt.Sprintf("index %d out of bounds", tok.index))
			}
			cur = list[tok.index]
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return r.miss(ref, fmt.Sprintf("cannot access field %q on %s", tok.key, kindOf(cur)))
		}
		v, ok := m[tok.key]
		if !ok || v == nil {
			return r.miss(ref, fmt.Sprintf("field %q not found", tok.key))
		}
		cur = v
	}
	return cur, nil
}

func (r Resolver) miss(ref, msg string) (any, error) {
	if r.Strict {
		return nil, &Error{Ref: ref, Msg: msg}
	}
	return nil, nil
}

// semantic handles the keyword values that bypass path syntax.
func (r Resolver) semantic(key, value string, ctx *Context) (any, bool, error) {
	switch value {
	case FirstFromPreviousJob:
		files := latestFiles(ctx, true)
		if len(files) == 0 {
			v, err := r.miss(value, "no previous job with files")
			return v, true, err
		}
		first := files[0]
		if m, ok := first.(map[string]any); ok {
			if p, ok := m["path"]; ok {
				return p, true, nil
			}
			if p, ok := m["rel_path"]; ok {
				return p, true, nil
			}
			b, _ := json.Marshal(m)
			return string(b), true, nil
		}
		return first, true, nil
	case AllFromPreviousJob:
		files := latestFiles(ctx, false)
		if files == nil {
			v, err := r.miss(value, "no previous job with files")
			return v, true, err
		}
		return files, true, nil
	}
	if key == "source" || key == "input_from" {
		if res, ok := ctx.Get(value); ok {
			return res, true, nil
		}
	}
	return nil, false, nil
}

// latestFiles walks the context most-recent-first for a result with a
// files list. Reserved names starting with "_" are skipped.
func latestFiles(ctx *Context, nonEmpty bool) []any {
	names := ctx.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if strings.HasPrefix(names[i], "_") {
			continue
		}
		res, _ := ctx.Get(names[i])
		obj, ok := res.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := obj["files"]
		if !ok {
			continue
		}
		files, _ := raw.([]any)
		if nonEmpty && len(files) == 0 {
			continue
		}
		if files == nil {
			files = []any{}
		}
		return files
	}
	return nil
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "list"
	case string:
		return "string"
	default:
		return fmt.Sprintf("%T", v)
	}
}
