package memory

import (
	"context"
	"testing"

	"refinery/internal/config"
	"refinery/internal/storage"
	"refinery/pkg/rows"
)

func commit(t *testing.T, s *Store, mode string, keys []string, data [][]any) {
	t.Helper()
	err := s.Commit(context.Background(), storage.WriteRequest{
		Pipeline: "p",
		Table:    "t",
		Mode:     mode,
		MergeKey: keys,
		Columns:  []string{"id", "v"},
		Rows:     data,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
}

/*
TestCommitModes covers the three write modes:
  - overwrite replaces the table wholesale,
  - append accumulates,
  - merge upserts on the key columns and is idempotent when the same batch
    commits twice.
*/
func TestCommitModes(t *testing.T) {
	s := NewStore(nil)

	commit(t, s, config.ModeOverwrite, nil, [][]any{{int64(1), "a"}, {int64(2), "b"}})
	commit(t, s, config.ModeOverwrite, nil, [][]any{{int64(3), "c"}})
	if ds := s.Table("t"); len(ds.Rows) != 1 || ds.Rows[0]["id"] != int64(3) {
		t.Fatalf("overwrite: %v", ds.Rows)
	}

	commit(t, s, config.ModeAppend, nil, [][]any{{int64(4), "d"}})
	if ds := s.Table("t"); len(ds.Rows) != 2 {
		t.Fatalf("append: %v", ds.Rows)
	}

	// Merge: update id=3, insert id=5.
	commit(t, s, config.ModeMerge, []string{"id"}, [][]any{{int64(3), "c2"}, {int64(5), "e"}})
	ds := s.Table("t")
	if len(ds.Rows) != 3 {
		t.Fatalf("merge row count=%d; want 3", len(ds.Rows))
	}
	byID := map[any]rows.Row{}
	for _, r := range ds.Rows {
		byID[r["id"]] = r
	}
	if byID[int64(3)]["v"] != "c2" || byID[int64(5)]["v"] != "e" {
		t.Fatalf("merge result: %v", ds.Rows)
	}

	// Idempotency: the same merge batch changes nothing.
	commit(t, s, config.ModeMerge, []string{"id"}, [][]any{{int64(3), "c2"}, {int64(5), "e"}})
	if ds := s.Table("t"); len(ds.Rows) != 3 {
		t.Fatalf("merge not idempotent: %v", ds.Rows)
	}
}

/*
TestMergeRequiresKey rejects merge commits without a key, and unknown modes
are refused; both surface as WriteError.
*/
func TestMergeRequiresKey(t *testing.T) {
	s := NewStore(nil)
	err := s.Commit(context.Background(), storage.WriteRequest{
		Table: "t", Mode: config.ModeMerge, Columns: []string{"id"}, Rows: [][]any{{int64(1)}},
	})
	if err == nil {
		t.Fatalf("merge without key accepted")
	}
	err = s.Commit(context.Background(), storage.WriteRequest{
		Table: "t", Mode: "replace", Columns: []string{"id"}, Rows: [][]any{{int64(1)}},
	})
	if err == nil {
		t.Fatalf("unknown mode accepted")
	}
}

/*
TestQuarantineAccumulates verifies quarantine rows attach to their target
table across commits.
*/
func TestQuarantineAccumulates(t *testing.T) {
	s := NewStore(nil)
	req := storage.WriteRequest{
		Table: "t", Mode: config.ModeOverwrite, Columns: []string{"id"}, Rows: nil,
		Quarantine: []storage.QuarantineRow{
			{ID: "q1", Validation: "not_null", Reason: "nil", Row: rows.Row{"id": nil}},
		},
	}
	if err := s.Commit(context.Background(), req); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Commit(context.Background(), req); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := s.Quarantine("t"); len(got) != 2 || got[0].Validation != "not_null" {
		t.Fatalf("quarantine=%v", got)
	}
}
