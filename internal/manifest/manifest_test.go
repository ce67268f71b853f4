package manifest

import (
	"os"
	"testing"
)

func TestSaveMergesSections(t *testing.T) {
	s := NewStore(t.TempDir())

	first := New()
	first.Add("/media/a.strm", 1)
	first.Add("/media/b.strm", 2)
	if err := s.Save("job1", first); err != nil {
		t.Fatal(err)
	}

	// A later save overwrites shared keys and keeps keys it no longer
	// mentions, so watcher lookups survive partial runs.
	second := New()
	second.Add("/media/a.strm", 10)
	second.Add("/media/c.strm", 3)
	if err := s.Save("job1", second); err != nil {
		t.Fatal(err)
	}

	all, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	section := all["job1"]
	want := map[string]int64{"/media/a.strm": 10, "/media/b.strm": 2, "/media/c.strm": 3}
	if len(section) != len(want) {
		t.Fatalf("section = %v", section)
	}
	for path, id := range want {
		if section[path] != id {
			t.Fatalf("%s = %d, want %d", path, section[path], id)
		}
	}
}

func TestSaveEmptyJobIDUsesGlobalSection(t *testing.T) {
	s := NewStore(t.TempDir())
	m := New()
	m.Add("/media/x.strm", 7)
	if err := s.Save("", m); err != nil {
		t.Fatal(err)
	}

	id, jobID, ok := s.Lookup("/media/x.strm")
	if !ok || id != 7 || jobID != "" {
		t.Fatalf("lookup = (%d, %q, %v)", id, jobID, ok)
	}
}

func TestLookupFindsJobSection(t *testing.T) {
	s := NewStore(t.TempDir())
	m := New()
	m.Add("/media/ep1.strm", 42)
	if err := s.Save("tv", m); err != nil {
		t.Fatal(err)
	}

	id, jobID, ok := s.Lookup("/media/ep1.strm")
	if !ok || id != 42 || jobID != "tv" {
		t.Fatalf("lookup = (%d, %q, %v)", id, jobID, ok)
	}

	if _, _, ok := s.Lookup("/media/unknown.strm"); ok {
		t.Fatal("unknown path resolved")
	}
}

func TestCorruptCacheStartsEmpty(t *testing.T) {
	s := NewStore(t.TempDir())
	if err := os.WriteFile(s.Path(), []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	all, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("sections = %v", all)
	}

	m := New()
	m.Add("/media/a.strm", 1)
	if err := s.Save("job1", m); err != nil {
		t.Fatal(err)
	}
}

func TestManifestHas(t *testing.T) {
	m := New()
	m.Add("/media/a.strm", 1)
	if !m.Has("/media/a.strm") || m.Has("/media/b.strm") {
		t.Fatal("membership check wrong")
	}
}
