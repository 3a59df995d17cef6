package folderpath

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
)

// mockFolderService is an in-memory folder tree.
type mockFolderService struct {
	mu      sync.Mutex
	folders map[string][]Folder // parentID -> children
	nextID  int
	creates int
	finds   int
	// findDelay widens the window between query and create.
	findDelay time.Duration
}

func newMockFolderService() *mockFolderService {
	return &mockFolderService{folders: make(map[string][]Folder)}
}

func (m *mockFolderService) add(name, parentID string) Folder {
	m.nextID++
	f := Folder{ID: fmt.Sprintf("f%d", m.nextID), Name: name}
	m.folders[parentID] = append(m.folders[parentID], f)
	return f
}

func (m *mockFolderService) FindFolders(_ context.Context, name, parentID string) ([]Folder, error) {
	if m.findDelay > 0 {
		time.Sleep(m.findDelay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	var out []Folder
	for _, f := range m.folders[parentID] {
		if f.Name == name {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockFolderService) CreateFolder(_ context.Context, name, parentID string) (Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	return m.add(name, parentID), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSegments(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "[]"},
		{"/", "[]"},
		{"  /a/b/c  ", "[a b c]"},
		{"a//b/", "[a b]"},
		{"/a/b/.", "[a b]"},
		{".", "[]"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := fmt.Sprint(Segments(tt.in)); got != tt.want {
				t.Errorf("Segments(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestResolveExistingPathCreatesNothing(t *testing.T) {
	svc := newMockFolderService()
	a := svc.add("a", RootID)
	b := svc.add("b", a.ID)
	c := svc.add("c", b.ID)

	r := NewResolver(svc, "", quietLogger())
	got, err := r.Resolve(context.Background(), "/a/b/c", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != c.ID {
		t.Errorf("Resolve = %q, want %q", got, c.ID)
	}
	if svc.creates != 0 {
		t.Errorf("creates = %d, want 0", svc.creates)
	}
}

func TestResolveCreatesMissingSuffix(t *testing.T) {
	svc := newMockFolderService()
	a := svc.add("a", RootID)

	r := NewResolver(svc, "", quietLogger())
	walk := r.Walk("/a/b/c/d", true)

	var steps []Step
	for {
		step, ok, err := walk.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		steps = append(steps, step)
	}

	if svc.creates != 3 {
		t.Errorf("creates = %d, want 3", svc.creates)
	}
	if len(steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(steps))
	}
	if steps[0].Created || steps[0].FolderID != a.ID || !steps[0].AtRoot {
		t.Errorf("first step = %+v, want existing root child %q", steps[0], a.ID)
	}
	for i := 1; i < len(steps); i++ {
		if !steps[i].Created {
			t.Errorf("step %d not created", i)
		}
		if steps[i].ParentID != steps[i-1].FolderID {
			t.Errorf("step %d parent = %q, want %q", i, steps[i].ParentID, steps[i-1].FolderID)
		}
	}
	leaf := steps[len(steps)-1]
	if leaf.Name != "d" || walk.FolderID() != leaf.FolderID {
		t.Errorf("leaf = %+v, traversal at %q", leaf, walk.FolderID())
	}
}

func TestResolveEmptyPathIsRoot(t *testing.T) {
	svc := newMockFolderService()
	r := NewResolver(svc, "", quietLogger())
	for _, p := range []string{"", "/", " / "} {
		got, err := r.Resolve(context.Background(), p, true)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", p, err)
		}
		if got != RootID {
			t.Errorf("Resolve(%q) = %q, want root", p, got)
		}
	}
	if svc.finds != 0 || svc.creates != 0 {
		t.Errorf("finds = %d creates = %d, want no calls", svc.finds, svc.creates)
	}
}

func TestResolveMissingWithoutCreate(t *testing.T) {
	svc := newMockFolderService()
	svc.add("a", RootID)

	r := NewResolver(svc, "", quietLogger())
	walk := r.Walk("/a/missing/c", false)

	_, err := r.Resolve(context.Background(), "/a/missing/c", false)
	if !errors.Is(err, xferr.ErrFolderNotFound) {
		t.Fatalf("err = %v, want FolderNotFound", err)
	}
	if svc.creates != 0 {
		t.Errorf("creates = %d, want 0", svc.creates)
	}

	if _, ok, err := walk.Next(context.Background()); !ok || err != nil {
		t.Fatalf("first Next = %v, %v", ok, err)
	}
	if _, _, err := walk.Next(context.Background()); err == nil {
		t.Fatal("second Next should fail")
	}
	if _, ok, err := walk.Next(context.Background()); ok || err == nil {
		t.Error("traversal should stay failed")
	}
}

func TestResolveConcurrentCreatesOnce(t *testing.T) {
	svc := newMockFolderService()
	svc.findDelay = 20 * time.Millisecond
	r := NewResolver(svc, "", quietLogger())

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = r.Resolve(context.Background(), "/shared/leaf", true)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("Resolve[%d]: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("Resolve[%d] = %q, want %q", i, ids[i], ids[0])
		}
	}
	if len(svc.folders[RootID]) != 1 {
		t.Errorf("root children = %d, want 1", len(svc.folders[RootID]))
	}
}

func TestResolveCustomRoot(t *testing.T) {
	svc := newMockFolderService()
	shared := svc.add("x", "team-drive")
	r := NewResolver(svc, "team-drive", quietLogger())
	got, err := r.Resolve(context.Background(), "x", false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != shared.ID {
		t.Errorf("Resolve = %q, want %q", got, shared.ID)
	}
}
