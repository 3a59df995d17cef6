package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"testing"

	"google.golang.org/api/googleapi"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
	"github.com/brucemcpherson/bm-drive-cloud/internal/folderpath"
)

// mockDriveClient implements DriveAPI over an in-memory tree.
type mockDriveClient struct {
	mu      sync.Mutex
	nextID  int
	folders map[string][]folderpath.Folder // parent -> folders
	files   map[string][]mockDriveFile     // parent -> files
	byID    map[string]*mockDriveFile

	createFolderCalls int
	getCalls          int
	// failGet makes GetFile return this error once per call until cleared.
	failGet error
	// failUpload makes CreateFile fail after reading this many bytes (when > 0).
	failUploadAfter int
}

type mockDriveFile struct {
	DriveFile
	parent string
	data   []byte
	seq    int
}

func newMockDriveClient() *mockDriveClient {
	return &mockDriveClient{
		folders: make(map[string][]folderpath.Folder),
		files:   make(map[string][]mockDriveFile),
		byID:    make(map[string]*mockDriveFile),
	}
}

func (m *mockDriveClient) id() string {
	m.nextID++
	return fmt.Sprintf("id%d", m.nextID)
}

func (m *mockDriveClient) addFolder(name, parent string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := folderpath.Folder{ID: m.id(), Name: name}
	m.folders[parent] = append(m.folders[parent], f)
	return f.ID
}

func (m *mockDriveClient) addFile(id, name, parent, mimeType string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = m.id()
	}
	m.nextID++
	f := mockDriveFile{DriveFile: DriveFile{ID: id, Name: name, MimeType: mimeType, Size: int64(len(data))}, parent: parent, data: data, seq: m.nextID}
	m.files[parent] = append(m.files[parent], f)
	m.byID[id] = &f
}

func (m *mockDriveClient) FindFolders(_ context.Context, name, parentID string) ([]folderpath.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []folderpath.Folder
	for _, f := range m.folders[parentID] {
		if f.Name == name {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockDriveClient) CreateFolder(_ context.Context, name, parentID string) (folderpath.Folder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createFolderCalls++
	f := folderpath.Folder{ID: m.id(), Name: name}
	m.folders[parentID] = append(m.folders[parentID], f)
	return f, nil
}

func (m *mockDriveClient) FindFiles(_ context.Context, name, parentID string) ([]DriveFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []mockDriveFile
	for _, f := range m.files[parentID] {
		if f.Name == name {
			matches = append(matches, f)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].seq > matches[j].seq })
	out := make([]DriveFile, len(matches))
	for i, f := range matches {
		out[i] = f.DriveFile
	}
	return out, nil
}

func (m *mockDriveClient) GetFile(_ context.Context, id string) (*DriveFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.failGet != nil {
		return nil, m.failGet
	}
	f, ok := m.byID[id]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound, Message: "File not found: " + id}
	}
	df := f.DriveFile
	return &df, nil
}

func (m *mockDriveClient) Download(_ context.Context, id string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.byID[id]
	if !ok {
		return nil, &googleapi.Error{Code: http.StatusNotFound}
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func (m *mockDriveClient) CreateFile(_ context.Context, name, parentID, mimeType string, media io.Reader) (*DriveFile, error) {
	var data []byte
	var err error
	if m.failUploadAfter > 0 {
		data = make([]byte, m.failUploadAfter)
		if _, err = io.ReadFull(media, data); err != nil {
			return nil, err
		}
		return nil, errors.New("googleapi: Error 400: upload rejected")
	}
	data, err = io.ReadAll(media)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	id := m.id()
	m.mu.Unlock()
	m.addFile(id, name, parentID, mimeType, data)
	return &DriveFile{ID: id, Name: name, MimeType: mimeType, Size: int64(len(data))}, nil
}

func newTestDriveSession(t *testing.T) (*DriveSession, *mockDriveClient) {
	t.Helper()
	mock := newMockDriveClient()
	sess, err := NewDriveBackendWithClient(mock, "", nil).Connect(context.Background(), testServiceAccount(t), "me@example.com")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sess.(*DriveSession), mock
}

func resolved(t *testing.T, s Session, path string) *FileRef {
	t.Helper()
	ref := &FileRef{PathName: path}
	if err := s.ResolveIdentity(ref); err != nil {
		t.Fatalf("ResolveIdentity(%q): %v", path, err)
	}
	return ref
}

func TestDriveConnectRequiresCredential(t *testing.T) {
	b := NewDriveBackendWithClient(newMockDriveClient(), "", nil)
	if _, err := b.Connect(context.Background(), nil, ""); !errors.Is(err, xferr.ErrMissingCredentials) {
		t.Errorf("err = %v, want MissingCredentials", err)
	}
}

func TestDriveOpenInputByPathPicksMostRecent(t *testing.T) {
	sess, mock := newTestDriveSession(t)
	folder := mock.addFolder("folder", "root")
	mock.addFile("", "a.txt", folder, "text/plain", []byte("old"))
	mock.addFile("", "a.txt", folder, "text/plain", []byte("new"))

	res, err := sess.OpenInput(context.Background(), resolved(t, sess, "/folder/a.txt"))
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	defer res.Reader.Close()
	data, _ := io.ReadAll(res.Reader)
	if string(data) != "new" {
		t.Errorf("data = %q, want most recent", data)
	}
	if res.ContentType != "text/plain" || res.Size != 3 {
		t.Errorf("ContentType/Size = %q/%d", res.ContentType, res.Size)
	}
}

func TestDriveOpenInputByID(t *testing.T) {
	sess, mock := newTestDriveSession(t)
	id := "1AbCdEfGhIjKlMnOpQrStUvWxYz_-0123"
	mock.addFile(id, "report.pdf", "somewhere", "application/pdf", []byte("%PDF"))

	res, err := sess.OpenInput(context.Background(), resolved(t, sess, "/"+id))
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	if res.FileID != id || res.ContentType != "application/pdf" {
		t.Errorf("res = %+v", res)
	}
}

func TestDriveOpenInputIDFallsBackToPath(t *testing.T) {
	sess, mock := newTestDriveSession(t)
	// A file literally named like an id that is not one.
	name := "ThisLooksLikeAnIdButIsAName01"
	folder := mock.addFolder("docs", "root")
	mock.addFile("", name, folder, "text/plain", []byte("by name"))

	res, err := sess.OpenInput(context.Background(), resolved(t, sess, "/docs/"+name))
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	data, _ := io.ReadAll(res.Reader)
	if string(data) != "by name" {
		t.Errorf("data = %q", data)
	}
}

func TestDriveOpenInputMissing(t *testing.T) {
	sess, mock := newTestDriveSession(t)
	mock.addFolder("folder", "root")

	_, err := sess.OpenInput(context.Background(), resolved(t, sess, "/folder/none.txt"))
	if !errors.Is(err, xferr.ErrFileNotFound) {
		t.Errorf("err = %v, want FileNotFound", err)
	}
	_, err = sess.OpenInput(context.Background(), resolved(t, sess, "/nofolder/none.txt"))
	if !errors.Is(err, xferr.ErrFolderNotFound) {
		t.Errorf("err = %v, want FolderNotFound", err)
	}
	if mock.createFolderCalls != 0 {
		t.Errorf("createFolderCalls = %d, want 0 on read", mock.createFolderCalls)
	}
}

func TestDriveOpenInputNonRetryableGet(t *testing.T) {
	sess, mock := newTestDriveSession(t)
	id := "1AbCdEfGhIjKlMnOpQrStUvWxYz_-0123"
	mock.addFile(id, "x", "root", "text/plain", []byte("x"))
	mock.failGet = &googleapi.Error{Code: http.StatusForbidden, Message: "The caller does not have permission"}

	_, err := sess.openByID(context.Background(), id)
	if err == nil {
		t.Fatal("expected error")
	}
	if mock.getCalls != 1 {
		t.Errorf("getCalls = %d, want 1", mock.getCalls)
	}
	if !errors.Is(err, xferr.ErrNonRetryableFailure) {
		t.Errorf("err = %v, want NonRetryableFailure", err)
	}
}

func TestDriveOpenOutputCreatesFoldersAndFile(t *testing.T) {
	sess, mock := newTestDriveSession(t)
	ref := resolved(t, sess, "/a/b/c.json")

	res, err := sess.OpenOutput(context.Background(), ref, ref.MimeType)
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	if _, err := res.Writer.Write([]byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := res.Writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if mock.createFolderCalls != 2 {
		t.Errorf("createFolderCalls = %d, want 2", mock.createFolderCalls)
	}
	if res.FileID == "" {
		t.Fatal("FileID not set after Close")
	}
	f := mock.byID[res.FileID]
	if f == nil || f.Name != "c.json" || string(f.data) != "{}" || f.MimeType != "application/json" {
		t.Errorf("stored file = %+v", f)
	}

	// Writing again reuses the folders.
	res2, err := sess.OpenOutput(context.Background(), resolved(t, sess, "/a/b/d.json"), "")
	if err != nil {
		t.Fatal(err)
	}
	res2.Writer.Close()
	if mock.createFolderCalls != 2 {
		t.Errorf("createFolderCalls = %d after second write, want 2", mock.createFolderCalls)
	}
}

func TestDriveOpenOutputUploadFailure(t *testing.T) {
	sess, mock := newTestDriveSession(t)
	mock.failUploadAfter = 4

	res, err := sess.OpenOutput(context.Background(), resolved(t, sess, "/x.bin"), "")
	if err != nil {
		t.Fatal(err)
	}
	var writeErr error
	for i := 0; i < 10 && writeErr == nil; i++ {
		_, writeErr = res.Writer.Write([]byte("abcd"))
	}
	if writeErr == nil {
		t.Fatal("writes kept succeeding after the upload failed")
	}
	if err := res.Writer.Close(); err == nil {
		t.Error("Close should report the upload failure")
	}
}

func TestDriveOpenOutputAbort(t *testing.T) {
	sess, mock := newTestDriveSession(t)
	res, err := sess.OpenOutput(context.Background(), resolved(t, sess, "/y.bin"), "")
	if err != nil {
		t.Fatal(err)
	}
	res.Writer.Write([]byte("part"))
	res.Writer.CloseWithError(errors.New("source failed"))
	if len(mock.byID) != 0 {
		t.Errorf("files = %d, want 0 after abort", len(mock.byID))
	}
}

func TestIsDriveTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &googleapi.Error{Code: 429}, true},
		{"503", &googleapi.Error{Code: 503}, true},
		{"rate limit reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, true},
		{"forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, false},
		{"404", &googleapi.Error{Code: 404}, false},
		{"message", errors.New("User Rate Limit Exceeded"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDriveTransient(tt.err); got != tt.want {
				t.Errorf("isDriveTransient = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuote(t *testing.T) {
	if got := quote("it's"); got != `'it\'s'` {
		t.Errorf("quote = %s", got)
	}
}
