package session

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetCurrentSessionMarksActive(t *testing.T) {
	s := NewStore(NewMemoryStore())
	if s.IsActive() {
		t.Fatal("fresh store should not be active")
	}
	if err := s.SetCurrentSession("482913"); err != nil {
		t.Fatal(err)
	}
	if !s.IsActive() {
		t.Fatal("expected active after SetCurrentSession")
	}
	if got := s.CurrentSessionCode(); got != "482913" {
		t.Fatalf("CurrentSessionCode = %q", got)
	}
}

func TestEndSessionKeepsToken(t *testing.T) {
	s := NewStore(NewMemoryStore())
	s.SetAuthToken("T1")
	s.SetCurrentSession("111111")

	if err := s.EndSession(); err != nil {
		t.Fatal(err)
	}
	if s.IsActive() {
		t.Fatal("should be inactive after EndSession")
	}
	if s.CurrentSessionCode() != "" {
		t.Fatal("code should be cleared")
	}
	if s.AuthToken() != "T1" {
		t.Fatalf("token = %q, want T1", s.AuthToken())
	}
}

func TestClearAllWipesToken(t *testing.T) {
	s := NewStore(NewMemoryStore())
	s.SetAuthToken("T1")
	s.SetCurrentSession("111111")

	if err := s.ClearAll(); err != nil {
		t.Fatal(err)
	}
	if s.AuthToken() != "" || s.CurrentSessionCode() != "" || s.IsActive() {
		t.Fatalf("expected empty state, got %v", s.Snapshot())
	}
}

func TestIsActiveTracksMostRecentMutation(t *testing.T) {
	type op func(*Store) error
	set := func(s *Store) error { return s.SetCurrentSession("222222") }
	end := func(s *Store) error { return s.EndSession() }
	clear := func(s *Store) error { return s.ClearAll() }
	token := func(s *Store) error { return s.SetAuthToken("tok") }

	cases := []struct {
		name string
		ops  []op
		want bool
	}{
		{"set", []op{set}, true},
		{"set end", []op{set, end}, false},
		{"end set", []op{end, set}, true},
		{"set clear", []op{set, clear}, false},
		{"clear set token", []op{clear, set, token}, true},
		{"set end token", []op{set, end, token}, false},
		{"none", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewStore(NewMemoryStore())
			for _, o := range tc.ops {
				if err := o(s); err != nil {
					t.Fatal(err)
				}
			}
			if got := s.IsActive(); got != tc.want {
				t.Fatalf("IsActive = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMutationsPersistBeforeReturn(t *testing.T) {
	kv := NewMemoryStore()
	s := NewStore(kv)
	s.SetAuthToken("T1")
	if v, _ := kv.Get(keyAuthToken); v != "T1" {
		t.Fatalf("kv auth token = %q", v)
	}
	s.SetCurrentSession("482913")
	if v, _ := kv.Get(keySessionCode); v != "482913" {
		t.Fatalf("kv session code = %q", v)
	}
	if v, _ := kv.Get(keyIsActive); v != "true" {
		t.Fatalf("kv active flag = %q", v)
	}
}

// flakyKV is a KV without PutAll. The failOn-th Put fails; failOn < 0
// fails every Put.
type flakyKV struct {
	mem    *MemoryStore
	failOn int
	puts   int
}

func (f *flakyKV) Get(key string) (string, bool) { return f.mem.Get(key) }
func (f *flakyKV) Clear() error                  { return f.mem.Clear() }

func (f *flakyKV) Put(key, value string) error {
	f.puts++
	if f.failOn < 0 || f.puts == f.failOn {
		return errors.New("disk full")
	}
	return f.mem.Put(key, value)
}

func TestPersistFailureLeavesStateUnchanged(t *testing.T) {
	s := NewStore(&flakyKV{mem: NewMemoryStore(), failOn: -1})
	if err := s.SetCurrentSession("333333"); err == nil {
		t.Fatal("expected persist error")
	}
	if s.IsActive() || s.CurrentSessionCode() != "" {
		t.Fatal("state should not change when persistence fails")
	}
}

func TestPartialWriteIsRolledBack(t *testing.T) {
	mem := NewMemoryStore()
	s := NewStore(&flakyKV{mem: mem, failOn: 2})

	// The code is written, the flag write fails; the code must not stay.
	if err := s.SetCurrentSession("482913"); err == nil {
		t.Fatal("expected persist error")
	}
	if s.CurrentSessionCode() != "" || s.IsActive() {
		t.Fatalf("memory changed: %v", s.Snapshot())
	}
	if v, _ := mem.Get(keySessionCode); v != "" {
		t.Fatalf("persisted code = %q after failed write", v)
	}
	if reloaded := NewStore(mem); reloaded.CurrentSessionCode() != "" || reloaded.IsActive() {
		t.Fatalf("reloaded = %v", reloaded.Snapshot())
	}
}

func TestPartialEndSessionIsRolledBack(t *testing.T) {
	mem := NewMemoryStore()
	// Puts 1-2 set the session, 3 clears the code, 4 (the flag) fails.
	s := NewStore(&flakyKV{mem: mem, failOn: 4})
	if err := s.SetCurrentSession("482913"); err != nil {
		t.Fatal(err)
	}
	if err := s.EndSession(); err == nil {
		t.Fatal("expected persist error")
	}

	if !s.IsActive() || s.CurrentSessionCode() != "482913" {
		t.Fatalf("memory changed: %v", s.Snapshot())
	}
	reloaded := NewStore(mem)
	if !reloaded.IsActive() || reloaded.CurrentSessionCode() != "482913" {
		t.Fatalf("disk and memory disagree after reload: %v", reloaded.Snapshot())
	}
}

func TestFileStorePutAllWritesOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.PutAll(map[string]string{keySessionCode: "555555", keyIsActive: "true"}); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	restored := NewStore(reopened)
	if !restored.IsActive() || restored.CurrentSessionCode() != "555555" {
		t.Fatalf("restored = %v", restored.Snapshot())
	}
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.yaml")

	fs, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(fs)
	s.SetAuthToken("T1")
	s.SetCurrentSession("482913")

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("perm = %v, want 0600", info.Mode().Perm())
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	restored := NewStore(reopened)
	if restored.AuthToken() != "T1" {
		t.Fatalf("token = %q, want T1", restored.AuthToken())
	}
	if !restored.IsActive() || restored.CurrentSessionCode() != "482913" {
		t.Fatalf("restored = %v", restored.Snapshot())
	}
}

func TestFileStoreClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	fs, _ := OpenFileStore(path)
	fs.Put("auth_token", "T1")
	if err := fs.Clear(); err != nil {
		t.Fatal(err)
	}
	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Get("auth_token"); ok {
		t.Fatal("expected cleared store")
	}
}

func TestOpenFileStoreRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	os.WriteFile(path, []byte("- just\n- a list\n"), 0600)
	if _, err := OpenFileStore(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSnapshotStringRedactsToken(t *testing.T) {
	s := NewStore(NewMemoryStore())
	s.SetAuthToken("super-secret")
	s.SetCurrentSession("482913")

	out := s.Snapshot().String()
	if strings.Contains(out, "super-secret") {
		t.Fatalf("token leaked: %s", out)
	}
	if !strings.Contains(out, "482913") {
		t.Fatalf("expected session code: %s", out)
	}
}
