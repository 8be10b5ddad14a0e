package resolver_test

import (
	"errors"
	"reflect"
	"testing"

	"missionline/internal/resolver"
)

func newCtx() *resolver.Context {
	ctx := resolver.NewContext()
	ctx.Set(resolver.ArtifactsKey, map[string]any{"file_list": map[string]any{"value": []any{"z.py"}}})
	ctx.Set("job1", map[string]any{"files": []any{"a.py", "b.py"}})
	ctx.Set("job2", map[string]any{"value": "123", "count": 3.0, "nested": map[string]any{"rows": []any{map[string]any{"id": "r1"}}}})
	return ctx
}

func TestStringWholeAndEmbedded(t *testing.T) {
	strict := resolver.Resolver{Strict: true}
	ctx := newCtx()

	got, err := strict.String("${job1.files[0]}", ctx)
	if err != nil || got != "a.py" {
		t.Fatalf("whole placeholder: %v %v", got, err)
	}
	got, err = strict.String("prefix_${job2.value}", ctx)
	if err != nil || got != "prefix_123" {
		t.Fatalf("embedded placeholder: %v %v", got, err)
	}
	got, err = strict.String("${job1.files}", ctx)
	if err != nil || !reflect.DeepEqual(got, []any{"a.py", "b.py"}) {
		t.Fatalf("whole placeholder keeps lists: %v %v", got, err)
	}
	got, err = strict.String("${job2.count}x ${job2.nested.rows[0].id}", ctx)
	if err != nil || got != "3x r1" {
		t.Fatalf("multiple placeholders: %v %v", got, err)
	}
	got, _ = strict.String("no templates here", ctx)
	if got != "no templates here" {
		t.Fatalf("plain string changed: %v", got)
	}
}

func TestAccessors(t *testing.T) {
	strict := resolver.Resolver{Strict: true}
	ctx := newCtx()
	ctx.Set("reader", map[string]any{"content": "package main", "files": []any{map[string]any{"path": "m.go"}}})

	cases := map[string]any{
		"${job1.first_match}":       "a.py",
		"${job1.first_file}":        "a.py",
		"${job1.all_files}":         []any{"a.py", "b.py"},
		"${reader.content}":         "package main",
		"${reader.first_file.path}": "m.go",
	}
	for tmpl, want := range cases {
		got, err := strict.String(tmpl, ctx)
		if err != nil {
			t.Fatalf("%s: %v", tmpl, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: got %v want %v", tmpl, got, want)
		}
	}
}

func TestStrictAndLenientMisses(t *testing.T) {
	ctx := newCtx()
	strict := resolver.Resolver{Strict: true}
	lenient := resolver.Resolver{}

	for _, tmpl := range []string{"${missing.value}", "${job1.files[9]}", "${job2.value.deeper}", "${job2.absent}"} {
		_, err := strict.String(tmpl, ctx)
		var rerr *resolver.Error
		if !errors.As(err, &rerr) {
			t.Fatalf("%s: strict mode should fail, got %v", tmpl, err)
		}
		got, err := lenient.String(tmpl, ctx)
		if err != nil || got != nil {
			t.Fatalf("%s: lenient mode should yield nil, got %v %v", tmpl, got, err)
		}
	}
	got, err := lenient.String("x_${missing.value}_y", ctx)
	if err != nil || got != "x__y" {
		t.Fatalf("lenient embedded miss: %v %v", got, err)
	}
	if _, err := strict.String("list: ${job1.files}", ctx); err == nil {
		t.Fatalf("strict mode must refuse to embed a list")
	}
}

func TestParamsSemanticKeywords(t *testing.T) {
	ctx := newCtx()
	ctx.Set("tree", map[string]any{"files": []any{map[string]any{"rel_path": "src/x.go"}}})
	ctx.Set("empty", map[string]any{"files": []any{}})

	params := map[string]any{
		"path":       "first_from_previous_job",
		"all":        "all_from_previous_job",
		"source":     "job2",
		"input_from": "nope",
		"nested": map[string]any{
			"list": []any{"${job1.files[1]}", 7.0, map[string]any{"v": "${job2.value}"}},
		},
	}
	out, err := resolver.Resolver{Strict: true}.Params(params, ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["path"] != "src/x.go" {
		t.Fatalf("first_from_previous_job = %v", out["path"])
	}
	if all, ok := out["all"].([]any); !ok || len(all) != 0 {
		t.Fatalf("all_from_previous_job should return the latest files list: %v", out["all"])
	}
	src, ok := out["source"].(map[string]any)
	if !ok || src["value"] != "123" {
		t.Fatalf("source keyword = %v", out["source"])
	}
	if out["input_from"] != "nope" {
		t.Fatalf("unknown input_from should stay literal: %v", out["input_from"])
	}
	list := out["nested"].(map[string]any)["list"].([]any)
	if list[0] != "b.py" || list[1] != 7.0 || list[2].(map[string]any)["v"] != "123" {
		t.Fatalf("nested list = %v", list)
	}
	if params["path"] != "first_from_previous_job" {
		t.Fatalf("input params must not be modified")
	}
}

func TestFirstFromPreviousJobWithoutFiles(t *testing.T) {
	ctx := resolver.NewContext()
	ctx.Set("a", map[string]any{"ok": true})
	if _, err := (resolver.Resolver{Strict: true}).Params(map[string]any{"p": "first_from_previous_job"}, ctx); err == nil {
		t.Fatalf("strict mode should fail without files")
	}
	out, err := resolver.Resolver{}.Params(map[string]any{"p": "first_from_previous_job"}, ctx)
	if err != nil || out["p"] != nil {
		t.Fatalf("lenient mode: %v %v", out, err)
	}
}

func TestResetNameBecomesMostRecent(t *testing.T) {
	ctx := resolver.NewContext()
	ctx.Set("list", map[string]any{"files": []any{"a.go"}})
	ctx.Set("grep", map[string]any{"files": []any{"b.go"}})
	ctx.Set("list", map[string]any{"files": []any{"c.go"}})
	if got := ctx.Names(); !reflect.DeepEqual(got, []string{"grep", "list"}) {
		t.Fatalf("names = %v", got)
	}
	out, err := resolver.Resolver{Strict: true}.Params(map[string]any{"p": "first_from_previous_job"}, ctx)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out["p"] != "c.go" {
		t.Fatalf("first_from_previous_job = %v", out["p"])
	}
}

func TestCycleDetection(t *testing.T) {
	inner := map[string]any{}
	outer := map[string]any{"inner": inner}
	inner["outer"] = outer
	_, err := resolver.Resolver{Strict: true}.Params(outer, resolver.NewContext())
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if _, err := (resolver.Resolver{}).Params(outer, resolver.NewContext()); err != nil {
		t.Fatalf("lenient mode should tolerate cycles: %v", err)
	}
}
