package engram

import "testing"

func TestNewID(t *testing.T) {
	id1 := NewID()
	id2 := NewID()
	if len(id1) != 36 {
		t.Errorf("expected 36 chars (UUIDv7), got %d: %s", len(id1), id1)
	}
	if id1 == id2 {
		t.Error("two IDs should be unique")
	}
	if id1 >= id2 {
		t.Error("sequential UUIDv7s should be time-ordered")
	}
	if id1[14] != '7' {
		t.Errorf("expected version 7, got %c in %s", id1[14], id1)
	}
}

func TestNowUnix(t *testing.T) {
	a := NowUnix()
	if a <= 0 {
		t.Errorf("NowUnix() = %d, want positive", a)
	}
}
