package link

import "testing"

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	tbl := New()
	l1 := tbl.Create("dev0", 1, nil)
	l2 := tbl.Create("dev0", 1, nil)
	if l1.ID == 0 || l2.ID == 0 {
		t.Fatalf("expected nonzero ids")
	}
	if l2.ID <= l1.ID {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", l1.ID, l2.ID)
	}
}

func TestDestroyRemovesAndIDsNeverReused(t *testing.T) {
	tbl := New()
	l1 := tbl.Create("dev0", 1, nil)
	if _, ok := tbl.Destroy(l1.ID); !ok {
		t.Fatalf("expected Destroy to find link")
	}
	if _, ok := tbl.Get(l1.ID); ok {
		t.Fatalf("expected link gone after Destroy")
	}
	l2 := tbl.Create("dev0", 1, nil)
	if l2.ID == l1.ID {
		t.Fatalf("expected new link id to differ from destroyed one")
	}
}

func TestGetUnknownID(t *testing.T) {
	tbl := New()
	if _, ok := tbl.Get(999); ok {
		t.Fatalf("expected unknown id to miss")
	}
}

func TestAllSnapshotsLiveLinks(t *testing.T) {
	tbl := New()
	tbl.Create("dev0", 1, nil)
	tbl.Create("dev1", 1, nil)
	if got := len(tbl.All()); got != 2 {
		t.Fatalf("expected 2 live links, got %d", got)
	}
}
