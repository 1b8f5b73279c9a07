package opstate

import (
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)

	val, err := s.Get("leds", "board")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "" {
		t.Errorf("Get() = %q, want empty string for missing key", val)
	}
}

func TestSetUpsert(t *testing.T) {
	s := testStore(t)

	if err := s.Set("leds", "board", "on"); err != nil {
		t.Fatalf("Set(on) error: %v", err)
	}
	if err := s.Set("leds", "board", "off"); err != nil {
		t.Fatalf("Set(off) error: %v", err)
	}

	val, err := s.Get("leds", "board")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if val != "off" {
		t.Errorf("Get() = %q, want %q", val, "off")
	}
}

func TestDeleteAndList(t *testing.T) {
	s := testStore(t)

	s.Set("leds", "board", "on")
	s.Set("leds", "temp", "off")
	s.Set("other", "x", "y")

	got, err := s.List("leds")
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(got) != 2 || got["board"] != "on" || got["temp"] != "off" {
		t.Errorf("List(leds) = %v", got)
	}

	if err := s.Delete("leds", "board"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := s.Delete("leds", "missing"); err != nil {
		t.Fatalf("Delete(missing) error: %v", err)
	}

	got, _ = s.List("leds")
	if len(got) != 1 {
		t.Errorf("List after delete = %v, want one entry", got)
	}

	empty, err := s.List("nothing")
	if err != nil {
		t.Fatalf("List(nothing) error: %v", err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("List(nothing) = %v, want empty non-nil map", empty)
	}
}

func TestBoolRoundTrip(t *testing.T) {
	s := testStore(t)

	if _, ok, err := s.GetBool("leds", "temp"); err != nil || ok {
		t.Fatalf("GetBool(unset) ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	for _, want := range []bool{true, false} {
		if err := s.SetBool("leds", "temp", want); err != nil {
			t.Fatalf("SetBool(%v) error: %v", want, err)
		}
		got, ok, err := s.GetBool("leds", "temp")
		if err != nil || !ok {
			t.Fatalf("GetBool() ok=%v err=%v", ok, err)
		}
		if got != want {
			t.Errorf("GetBool() = %v, want %v", got, want)
		}
	}
}

func TestGetBool_Garbage(t *testing.T) {
	s := testStore(t)
	s.Set("leds", "board", "maybe")

	if _, _, err := s.GetBool("leds", "board"); err == nil {
		t.Error("GetBool on non-flag value should error")
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.SetBool("leds", "board", true); err != nil {
		t.Fatalf("SetBool: %v", err)
	}
	s.Close()

	s2, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.GetBool("leds", "board")
	if err != nil || !ok || !got {
		t.Errorf("GetBool after reopen = %v, %v, %v; want true, true, nil", got, ok, err)
	}
}
