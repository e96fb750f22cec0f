package member

import "testing"

func TestTableOrderPreservedOnRemove(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Record{ConnID: "a", IsHost: true})
	tbl.Add(Record{ConnID: "b"})
	tbl.Add(Record{ConnID: "c"})

	tbl.Remove("a")

	first, ok := tbl.First()
	if !ok || first.ConnID != "b" {
		t.Fatalf("First() = %+v, ok=%v, want b", first, ok)
	}
	if tbl.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tbl.Len())
	}
}

func TestAddDuplicateIsNoop(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Record{ConnID: "a", Nickname: "Alice"})
	ok := tbl.Add(Record{ConnID: "a", Nickname: "Alice2"})
	if ok {
		t.Fatalf("Add of duplicate connID returned true")
	}
	rec, _ := tbl.Get("a")
	if rec.Nickname != "Alice" {
		t.Fatalf("Nickname = %q, want original Alice preserved", rec.Nickname)
	}
}

func TestSnapshotIsHostFirstAndIsolated(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Record{ConnID: "a", Nickname: "Alice"})
	tbl.Add(Record{ConnID: "b", Nickname: "Bob", IsHost: true})
	tbl.Add(Record{ConnID: "c", Nickname: "Carol"})

	snap := tbl.Snapshot()
	if len(snap) != 3 || snap[0].ConnID != "b" {
		t.Fatalf("Snapshot() = %+v, want host b first", snap)
	}

	snap[0].Nickname = "mutated"
	rec, _ := tbl.Get("b")
	if rec.Nickname == "mutated" {
		t.Fatalf("Snapshot mutation leaked into table state")
	}
}

func TestUpdateMissingMemberIsNoop(t *testing.T) {
	tbl := NewTable()
	ok := tbl.Update("ghost", func(r *Record) { r.Buffering = true })
	if ok {
		t.Fatalf("Update on missing member returned true")
	}
}
