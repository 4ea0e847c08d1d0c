package fieldpath

import (
	"reflect"
	"testing"
)

/*
TestParse_Table verifies the path grammar:
  - plain dotted field access,
  - bracket index and explode steps,
  - malformed inputs (leading dot, double dot, unterminated or non-numeric
    brackets, leading bracket) are rejected with an error.
*/
func TestParse_Table(t *testing.T) {
	cases := []struct {
		in      string
		steps   int
		explode int // expected ExplodeIndex
		wantErr bool
	}{
		{in: "", steps: 0, explode: -1},
		{in: "a", steps: 1, explode: -1},
		{in: "a.b.c", steps: 3, explode: -1},
		{in: "answers[0].author", steps: 3, explode: -1},
		{in: "answers[].author", steps: 3, explode: 1},
		{in: "a[].b[].c", steps: 5, explode: 1},
		{in: ".a", wantErr: true},
		{in: "a..b", wantErr: true},
		{in: "a.", wantErr: true},
		{in: "[0]", wantErr: true},
		{in: "a[", wantErr: true},
		{in: "a[x]", wantErr: true},
		{in: "a[-1]", wantErr: true},
	}
	for _, tc := range cases {
		p, err := Parse(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %v", tc.in, p)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): %v", tc.in, err)
			continue
		}
		if p.Len() != tc.steps {
			t.Errorf("Parse(%q): steps=%d; want %d", tc.in, p.Len(), tc.steps)
		}
		if p.ExplodeIndex() != tc.explode {
			t.Errorf("Parse(%q): explode=%d; want %d", tc.in, p.ExplodeIndex(), tc.explode)
		}
		if p.String() != tc.in {
			t.Errorf("Parse(%q): String()=%q", tc.in, p.String())
		}
	}
}

/*
TestResolve walks paths through nested maps and arrays and verifies the
miss conditions: missing field, out-of-range index, step into a scalar, and
explode steps (which never resolve directly).
*/
func TestResolve(t *testing.T) {
	v := map[string]any{
		"a": map[string]any{
			"b": []any{int64(10), int64(20)},
		},
		"s": "scalar",
	}

	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{path: "", want: v, ok: true},
		{path: "a", want: v["a"], ok: true},
		{path: "a.b[1]", want: int64(20), ok: true},
		{path: "a.b[2]", ok: false},
		{path: "a.missing", ok: false},
		{path: "s.x", ok: false},
		{path: "a.b[]", ok: false},
	}
	for _, tc := range cases {
		got, ok := MustParse(tc.path).Resolve(v)
		if ok != tc.ok {
			t.Errorf("Resolve(%q): ok=%v; want %v", tc.path, ok, tc.ok)
			continue
		}
		if ok && !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Resolve(%q)=%v; want %v", tc.path, got, tc.want)
		}
	}
}

/*
TestSplitAndRest checks the explode decomposition used by the evaluator:
"answers[].author" splits into prefix "answers" (addressing the array) and
suffix "author" (addressing each element).
*/
func TestSplitAndRest(t *testing.T) {
	p := MustParse("answers[].author")
	pre, suf := p.Split(p.ExplodeIndex())

	doc := map[string]any{
		"answers": []any{
			map[string]any{"author": "ada"},
			map[string]any{"author": "bob"},
		},
	}
	arrv, ok := pre.Resolve(doc)
	if !ok {
		t.Fatalf("prefix did not resolve")
	}
	arr, ok := arrv.([]any)
	if !ok || len(arr) != 2 {
		t.Fatalf("prefix resolved to %T; want 2-element array", arrv)
	}
	got, ok := suf.Resolve(arr[1])
	if !ok || got != "bob" {
		t.Fatalf("suffix resolved to %v (ok=%v); want bob", got, ok)
	}

	rest := MustParse("t.x.y").Rest()
	if v, ok := rest.Resolve(map[string]any{"x": map[string]any{"y": int64(1)}}); !ok || v != int64(1) {
		t.Fatalf("Rest(): got %v (ok=%v); want 1", v, ok)
	}
}
