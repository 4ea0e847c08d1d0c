package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"refinery/internal/config"
	"refinery/internal/storage"
	"refinery/internal/storage/memory"
	"refinery/pkg/rows"
)

const questionsJSON = `{
  "pipeline": {
    "name": "qa",
    "source_tables": [
      {
        "name": "bronze_questions",
        "transients": [
          {"name": "tags_struct", "op": "parse_json", "field": "tags_json", "path": "tags", "transient": true},
          {"name": "answers_struct", "op": "parse_and_flatten", "field": "answers_json", "path": "answers[]",
           "schema": [{"name": "score", "type": "int"}], "transient": true}
        ]
      }
    ],
    "target_tables": [
      {
        "table": "silver_questions",
        "default_source": "bronze_questions",
        "mode": "overwrite",
        "columns": [
          {"name": "question_id", "op": "cast", "field": "id", "params": {"type": "int"}},
          {"name": "title", "op": "copy", "field": "title"},
          {"name": "tags", "op": "copy", "field": "tags_struct"}
        ]
      },
      {
        "table": "silver_answers",
        "default_source": "bronze_questions",
        "mode": "overwrite",
        "columns": [
          {"name": "question_id", "op": "cast", "field": "id", "params": {"type": "int"}},
          {"name": "answer_author", "op": "copy", "field": "answers_struct.author"},
          {"name": "answer_score", "op": "copy", "field": "answers_struct.score"}
        ],
        "validation": [
          {"field": "answer_score", "op": "custom_validation", "validation": "valid_score", "action": "drop"}
        ]
      }
    ]
  }
}`

func seedQuestions() *memory.Store {
	return memory.NewStore(map[string]*storage.Dataset{
		"bronze_questions": {
			Columns: []string{"id", "title", "tags_json", "answers_json"},
			Rows: []rows.Row{{
				"id":        "7",
				"title":     "how do explodes work",
				"tags_json": `{"tags": ["go", "sql", "etl"]}`,
				"answers_json": `{"answers": [
					{"author": "ada", "score": 5},
					{"author": "bob", "score": -1},
					{"author": "cyd", "score": 0}
				]}`,
			}},
		},
	})
}

func compileDoc(t *testing.T, doc string) (*Pipeline, *memory.Store) {
	t.Helper()
	spec, err := config.Parse([]byte(doc), "json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := NewRegistry()
	if err := r.RegisterValidation("valid_score", func(v any, params config.Options) (bool, error) {
		switch n := v.(type) {
		case int64:
			return n >= 0, nil
		case float64:
			return n >= 0, nil
		default:
			return false, nil
		}
	}, false); err != nil {
		t.Fatalf("register validation: %v", err)
	}
	p, err := Compile(spec, r)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p, seedQuestions()
}

func tableResult(t *testing.T, res *Result, table string) TableResult {
	t.Helper()
	for _, tr := range res.Tables {
		if tr.Table == table {
			return tr
		}
	}
	t.Fatalf("no result for table %q: %+v", table, res.Tables)
	return TableResult{}
}

/*
TestRun_ExplodeAndDrop executes the full pipeline against one source row
holding three tags and three answers:
  - the non-exploding tags column yields exactly one output row whose value
    is the whole 3-element array,
  - the exploded answers target yields one row per answer, all sharing the
    parent question_id,
  - the drop validation on answer_score removes exactly the negative-score
    row, counted as dropped with no quarantine record.
*/
func TestRun_ExplodeAndDrop(t *testing.T) {
	p, store := compileDoc(t, questionsJSON)
	res, err := p.Run(context.Background(), store, store, Config{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.RunID == "" {
		t.Fatalf("empty run id")
	}
	if res.Failed() {
		t.Fatalf("run failed: %+v", res.Tables)
	}

	q := store.Table("silver_questions")
	if q == nil || len(q.Rows) != 1 {
		t.Fatalf("silver_questions rows=%v; want 1", q)
	}
	tags, ok := q.Rows[0]["tags"].([]any)
	if !ok || !reflect.DeepEqual(tags, []any{"go", "sql", "etl"}) {
		t.Fatalf("tags=%v; want the full 3-element array", q.Rows[0]["tags"])
	}

	a := store.Table("silver_answers")
	if a == nil || len(a.Rows) != 2 {
		t.Fatalf("silver_answers rows=%d; want 2 (one dropped)", len(a.Rows))
	}
	for _, r := range a.Rows {
		if r["question_id"] != int64(7) {
			t.Fatalf("exploded row lost parent key: %v", r)
		}
		if s := r["answer_score"].(int64); s < 0 {
			t.Fatalf("negative score survived: %v", r)
		}
	}

	tr := tableResult(t, res, "silver_answers")
	if tr.Read != 1 || tr.Written != 2 || tr.Dropped != 1 || tr.Quarantined != 0 {
		t.Fatalf("answers result=%+v; want read=1 written=2 dropped=1", tr)
	}
	if qs := store.Quarantine("silver_answers"); len(qs) != 0 {
		t.Fatalf("drop action produced quarantine records: %v", qs)
	}
}

/*
TestRun_Quarantine routes validation failures to the quarantine side output:
the offending row is withheld from the main rows and lands in the quarantine
set with the validation name, a reason, and a per-record id.
*/
func TestRun_Quarantine(t *testing.T) {
	doc := strings.Replace(questionsJSON, `"action": "drop"`, `"action": "quarantine"`, 1)
	p, store := compileDoc(t, doc)
	res, err := p.Run(context.Background(), store, store, Config{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tr := tableResult(t, res, "silver_answers")
	if tr.Written != 2 || tr.Quarantined != 1 || tr.Dropped != 0 {
		t.Fatalf("result=%+v; want written=2 quarantined=1", tr)
	}
	qs := store.Quarantine("silver_answers")
	if len(qs) != 1 {
		t.Fatalf("quarantine rows=%d; want 1", len(qs))
	}
	if qs[0].ID == "" || qs[0].Validation != "valid_score" || qs[0].Reason == "" {
		t.Fatalf("quarantine record incomplete: %+v", qs[0])
	}
	if qs[0].Row["answer_author"] != "bob" {
		t.Fatalf("wrong row quarantined: %v", qs[0].Row)
	}
}

/*
TestRun_FailActionAbortsTable verifies the fail action: the table ends in a
ValidationFailure, nothing is committed for it, and the sibling table still
completes.
*/
func TestRun_FailActionAbortsTable(t *testing.T) {
	doc := strings.Replace(questionsJSON, `"action": "drop"`, `"action": "fail"`, 1)
	p, store := compileDoc(t, doc)
	res, err := p.Run(context.Background(), store, store, Config{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tr := tableResult(t, res, "silver_answers")
	var vf *ValidationFailure
	if !errors.As(tr.Err, &vf) {
		t.Fatalf("err=%v; want *ValidationFailure", tr.Err)
	}
	if vf.Table != "silver_answers" || vf.Validation != "valid_score" {
		t.Fatalf("failure=%+v", vf)
	}
	if store.Table("silver_answers") != nil {
		t.Fatalf("failed table was committed")
	}
	if qr := tableResult(t, res, "silver_questions"); qr.Err != nil || qr.Written != 1 {
		t.Fatalf("sibling table affected: %+v", qr)
	}
	if !res.Failed() {
		t.Fatalf("Failed()=false with a failed table")
	}
}

/*
TestRun_Join joins questions to a users table. Left joins null-fill on a
miss; inner joins drop the unmatched row.
*/
func TestRun_Join(t *testing.T) {
	doc := `{
	  "pipeline": {
	    "name": "qa",
	    "source_tables": [{"name": "bronze_questions"}, {"name": "bronze_users"}],
	    "target_tables": [{
	      "table": "silver_questions",
	      "default_source": "bronze_questions",
	      "mode": "overwrite",
	      "columns": [
	        {"name": "question_id", "op": "cast", "field": "id", "params": {"type": "int"}},
	        {"name": "owner", "op": "join", "transient": true,
	         "join": [{"table": "bronze_users", "left_key": "owner_id", "right_key": "user_id",
	                   "columns": ["display_name"]}],
	         "params": {"join_type": "left"}},
	        {"name": "owner_name", "op": "copy", "field": "owner.display_name"}
	      ]
	    }]
	  }
	}`
	run := func(t *testing.T, joinType string) (*Result, *memory.Store) {
		t.Helper()
		d := strings.Replace(doc, `"join_type": "left"`, `"join_type": "`+joinType+`"`, 1)
		spec, err := config.Parse([]byte(d), "json")
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		p, err := Compile(spec, NewRegistry())
		if err != nil {
			t.Fatalf("compile: %v", err)
		}
		store := memory.NewStore(map[string]*storage.Dataset{
			"bronze_questions": {
				Columns: []string{"id", "owner_id"},
				Rows: []rows.Row{
					{"id": "1", "owner_id": "u1"},
					{"id": "2", "owner_id": "ghost"},
				},
			},
			"bronze_users": {
				Columns: []string{"user_id", "display_name"},
				Rows:    []rows.Row{{"user_id": "u1", "display_name": "Ada"}},
			},
		})
		res, err := p.Run(context.Background(), store, store, Config{})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		return res, store
	}

	res, store := run(t, "left")
	if tr := tableResult(t, res, "silver_questions"); tr.Err != nil || tr.Written != 2 {
		t.Fatalf("left join result=%+v; want 2 rows", tr)
	}
	byID := map[any]rows.Row{}
	for _, r := range store.Table("silver_questions").Rows {
		byID[r["question_id"]] = r
	}
	if byID[int64(1)]["owner_name"] != "Ada" {
		t.Fatalf("matched row=%v", byID[int64(1)])
	}
	if byID[int64(2)]["owner_name"] != nil {
		t.Fatalf("left miss should null-fill: %v", byID[int64(2)])
	}

	res, store = run(t, "inner")
	if tr := tableResult(t, res, "silver_questions"); tr.Written != 1 {
		t.Fatalf("inner join result=%+v; want 1 row", tr)
	}
	if r := store.Table("silver_questions").Rows[0]; r["owner_name"] != "Ada" {
		t.Fatalf("inner join row=%v", r)
	}
}

/*
TestRun_CustomOpAndTimeout registers a custom operation and checks both the
happy path and the per-invocation timeout, which surfaces as a TimeoutError
reason inside the table failure.
*/
func TestRun_CustomOpAndTimeout(t *testing.T) {
	doc := `{
	  "pipeline": {
	    "name": "qa",
	    "source_tables": [{"name": "bronze_questions"}],
	    "target_tables": [{
	      "table": "out",
	      "default_source": "bronze_questions",
	      "mode": "overwrite",
	      "columns": [
	        {"name": "loud_title", "op": "custom_op", "field": "title",
	         "params": {"operation": "shout"}}
	      ]
	    }]
	  }
	}`
	spec, err := config.Parse([]byte(doc), "json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	newStore := func() *memory.Store {
		return memory.NewStore(map[string]*storage.Dataset{
			"bronze_questions": {
				Columns: []string{"id", "title"},
				Rows:    []rows.Row{{"id": "1", "title": "hello"}},
			},
		})
	}

	r := NewRegistry()
	if err := r.RegisterOperation("shout", func(ctx context.Context, args []any, params config.Options) (any, error) {
		return strings.ToUpper(args[0].(string)), nil
	}, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	p, err := Compile(spec, r)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	store := newStore()
	res, err := p.Run(context.Background(), store, store, Config{})
	if err != nil || res.Failed() {
		t.Fatalf("run: err=%v tables=%+v", err, res.Tables)
	}
	if got := store.Table("out").Rows[0]["loud_title"]; got != "HELLO" {
		t.Fatalf("loud_title=%v", got)
	}

	// Same pipeline, an operation that never returns in time.
	r = NewRegistry()
	if err := r.RegisterOperation("shout", func(ctx context.Context, args []any, params config.Options) (any, error) {
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	p, err = Compile(spec, r)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	store = newStore()
	res, err = p.Run(context.Background(), store, store, Config{OpTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tr := tableResult(t, res, "out")
	var vf *ValidationFailure
	if !errors.As(tr.Err, &vf) || !strings.Contains(vf.Reason, "timed out") {
		t.Fatalf("err=%v; want timeout failure", tr.Err)
	}
}

/*
TestCompile_SealsRegistry verifies the first successful compile seals the
registry against further registration.
*/
func TestCompile_SealsRegistry(t *testing.T) {
	spec, err := config.Parse([]byte(questionsJSON), "json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	r := NewRegistry()
	if err := r.RegisterValidation("valid_score", func(v any, p config.Options) (bool, error) { return true, nil }, false); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := Compile(spec, r); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !r.Sealed() {
		t.Fatalf("registry not sealed after compile")
	}
	err = r.RegisterOperation("late", func(ctx context.Context, args []any, params config.Options) (any, error) {
		return nil, nil
	}, false)
	if err == nil {
		t.Fatalf("registration after compile should fail")
	}
}

/*
TestRun_RowErrorHonorsFieldAction routes a row-level cast error through the
action configured for the field: with a drop validation declared on the
column, the unparseable row disappears instead of failing the table.
*/
func TestRun_RowErrorHonorsFieldAction(t *testing.T) {
	doc := `{
	  "pipeline": {
	    "name": "qa",
	    "source_tables": [{"name": "bronze_questions"}],
	    "target_tables": [{
	      "table": "out",
	      "default_source": "bronze_questions",
	      "mode": "overwrite",
	      "columns": [
	        {"name": "qid", "op": "cast", "field": "id", "params": {"type": "int"}}
	      ],
	      "validation": [
	        {"field": "qid", "op": "not_null", "action": "drop"}
	      ]
	    }]
	  }
	}`
	spec, err := config.Parse([]byte(doc), "json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := Compile(spec, NewRegistry())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	store := memory.NewStore(map[string]*storage.Dataset{
		"bronze_questions": {
			Columns: []string{"id"},
			Rows:    []rows.Row{{"id": "1"}, {"id": "oops"}, {"id": "3"}},
		},
	})
	res, err := p.Run(context.Background(), store, store, Config{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tr := tableResult(t, res, "out")
	if tr.Err != nil || tr.Written != 2 || tr.Dropped != 1 {
		t.Fatalf("result=%+v; want written=2 dropped=1", tr)
	}
}

/*
TestRun_ProvenancePassthrough verifies ingestion provenance columns behave
like any other source field: untouched unless referenced, and referenced
ones flow into the output unchanged.
*/
func TestRun_ProvenancePassthrough(t *testing.T) {
	doc := `{
	  "pipeline": {
	    "name": "qa",
	    "source_tables": [{"name": "bronze_questions"}],
	    "target_tables": [{
	      "table": "out",
	      "default_source": "bronze_questions",
	      "mode": "overwrite",
	      "columns": [
	        {"name": "qid", "op": "cast", "field": "id", "params": {"type": "int"}},
	        {"name": "source_file", "op": "copy", "field": "filename"}
	      ]
	    }]
	  }
	}`
	spec, err := config.Parse([]byte(doc), "json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := Compile(spec, NewRegistry())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	cols := append([]string{"id"}, storage.ProvenanceColumns...)
	store := memory.NewStore(map[string]*storage.Dataset{
		"bronze_questions": {
			Columns: cols,
			Rows: []rows.Row{{
				"id": "1", "filename": "dump.json", "path": "/in/dump.json",
				"ingestion_timestamp": "2026-08-30T00:00:00Z",
				"file_format":         "json", "compression_type": "none",
			}},
		},
	})
	res, err := p.Run(context.Background(), store, store, Config{})
	if err != nil || res.Failed() {
		t.Fatalf("run: err=%v tables=%+v", err, res.Tables)
	}
	out := store.Table("out")
	if out.Rows[0]["source_file"] != "dump.json" {
		t.Fatalf("source_file=%v", out.Rows[0]["source_file"])
	}
	if len(out.Columns) != 2 {
		t.Fatalf("unreferenced provenance columns leaked into output: %v", out.Columns)
	}
}

/*
TestRun_MissingSourceColumn verifies that referencing a column the source
table does not carry fails the target table before any row is evaluated.
*/
func TestRun_MissingSourceColumn(t *testing.T) {
	doc := `{
	  "pipeline": {
	    "name": "qa",
	    "source_tables": [{"name": "bronze_questions"}],
	    "target_tables": [{
	      "table": "out",
	      "default_source": "bronze_questions",
	      "mode": "overwrite",
	      "columns": [{"name": "c", "op": "copy", "field": "ghost"}]
	    }]
	  }
	}`
	spec, err := config.Parse([]byte(doc), "json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := Compile(spec, NewRegistry())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	store := memory.NewStore(map[string]*storage.Dataset{
		"bronze_questions": {Columns: []string{"id"}, Rows: []rows.Row{{"id": "1"}}},
	})
	res, err := p.Run(context.Background(), store, store, Config{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tr := tableResult(t, res, "out")
	if tr.Err == nil || !strings.Contains(tr.Err.Error(), "ghost") {
		t.Fatalf("err=%v; want missing column error naming ghost", tr.Err)
	}
}

/*
TestRun_ValidationOnTransientColumn runs a drop validation against a transient
cast column. The transient is evaluated for the predicate even though it never
reaches storage: the negative score drops its row and the good row survives.
*/
func TestRun_ValidationOnTransientColumn(t *testing.T) {
	doc := `{
	  "pipeline": {
	    "name": "qa",
	    "source_tables": [{"name": "bronze_answers"}],
	    "target_tables": [{
	      "table": "out",
	      "default_source": "bronze_answers",
	      "mode": "overwrite",
	      "columns": [
	        {"name": "score_num", "op": "cast", "field": "score", "params": {"type": "int"}, "transient": true},
	        {"name": "author", "op": "copy", "field": "author"}
	      ],
	      "validation": [
	        {"field": "score_num", "op": "non_negative", "action": "drop"}
	      ]
	    }]
	  }
	}`
	spec, err := config.Parse([]byte(doc), "json")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	p, err := Compile(spec, NewRegistry())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	store := memory.NewStore(map[string]*storage.Dataset{
		"bronze_answers": {
			Columns: []string{"author", "score"},
			Rows:    []rows.Row{{"author": "ada", "score": "5"}, {"author": "bob", "score": "-1"}},
		},
	})
	res, err := p.Run(context.Background(), store, store, Config{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	tr := tableResult(t, res, "out")
	if tr.Err != nil || tr.Written != 1 || tr.Dropped != 1 {
		t.Fatalf("result=%+v; want written=1 dropped=1", tr)
	}
	out := store.Table("out")
	if len(out.Rows) != 1 || out.Rows[0]["author"] != "ada" {
		t.Fatalf("rows=%v; want only ada", out.Rows)
	}
	if _, ok := out.Rows[0]["score_num"]; ok {
		t.Fatalf("transient column leaked into storage: %v", out.Rows[0])
	}
}
