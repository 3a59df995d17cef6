// Package folderpath resolves slash-separated logical paths to folder ids on
// a hierarchical drive, optionally creating missing folders along the way.
package folderpath

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
	"github.com/brucemcpherson/bm-drive-cloud/internal/metrics"
)

// RootID is the id of the drive root folder.
const RootID = "root"

// Folder is a folder known to the drive.
type Folder struct {
	ID   string
	Name string
}

// FolderService is the subset of drive operations the resolver needs.
type FolderService interface {
	// FindFolders returns non-trashed folders owned by the caller that are
	// named name and sit directly under parentID.
	FindFolders(ctx context.Context, name, parentID string) ([]Folder, error)
	// CreateFolder creates a folder named name under parentID.
	CreateFolder(ctx context.Context, name, parentID string) (Folder, error)
}

// Step describes one resolved path segment.
type Step struct {
	Name     string
	ParentID string
	FolderID string
	// Created is true when the folder did not exist and was created.
	Created bool
	// AtRoot is true when the folder sits directly under the drive root.
	AtRoot bool
}

// Segments normalizes a logical path and splits it into folder names.
// Spaces are trimmed, one leading slash and a trailing "." are stripped and
// empty segments are dropped. An empty result means the drive root.
func Segments(path string) []string {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "/")
	p = strings.TrimSuffix(p, ".")
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// Resolver walks logical paths against a FolderService. Concurrent lookups
// of the same segment under the same parent share one query and at most one
// creation.
type Resolver struct {
	svc    FolderService
	rootID string
	group  singleflight.Group
	logger *slog.Logger
}

// NewResolver creates a Resolver. An empty rootID selects RootID.
func NewResolver(svc FolderService, rootID string, logger *slog.Logger) *Resolver {
	if rootID == "" {
		rootID = RootID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{svc: svc, rootID: rootID, logger: logger}
}

// RootID returns the id the resolver treats as the drive root.
func (r *Resolver) RootID() string {
	return r.rootID
}

// Walk returns a fresh traversal of path. The traversal holds its own cursor
// so concurrent walks do not interfere.
func (r *Resolver) Walk(path string, create bool) *Traversal {
	return &Traversal{
		r:        r,
		path:     path,
		segments: Segments(path),
		parentID: r.rootID,
		create:   create,
	}
}

// Resolve walks path to the end and returns the id of the last folder.
// A path with no segments resolves to the root.
func (r *Resolver) Resolve(ctx context.Context, path string, create bool) (string, error) {
	t := r.Walk(path, create)
	for {
		_, ok, err := t.Next(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return t.FolderID(), nil
		}
	}
}

// Traversal is a lazy, segment-at-a-time walk of one path.
type Traversal struct {
	r        *Resolver
	path     string
	segments []string
	pos      int
	parentID string
	create   bool
	err      error
}

// FolderID returns the id of the folder the traversal currently points at.
func (t *Traversal) FolderID() string {
	return t.parentID
}

// Next resolves the next segment. It returns false once every segment has
// been resolved. After an error the traversal stays failed.
func (t *Traversal) Next(ctx context.Context) (Step, bool, error) {
	if t.err != nil {
		return Step{}, false, t.err
	}
	if t.pos >= len(t.segments) {
		return Step{}, false, nil
	}
	name := t.segments[t.pos]
	parentID := t.parentID

	step, err := t.r.segment(ctx, name, parentID, t.create)
	if err != nil {
		t.err = fmt.Errorf("resolve %q segment %q: %w", t.path, name, err)
		return Step{}, false, t.err
	}
	t.pos++
	t.parentID = step.FolderID
	return step, true, nil
}

func (r *Resolver) segment(ctx context.Context, name, parentID string, create bool) (Step, error) {
	key := fmt.Sprintf("%s\x00%s\x00%t", parentID, name, create)
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.findOrCreate(ctx, name, parentID, create)
	})
	if err != nil {
		return Step{}, err
	}
	return v.(Step), nil
}

func (r *Resolver) findOrCreate(ctx context.Context, name, parentID string, create bool) (Step, error) {
	step := Step{Name: name, ParentID: parentID, AtRoot: parentID == r.rootID}

	found, err := r.svc.FindFolders(ctx, name, parentID)
	if err != nil {
		return Step{}, fmt.Errorf("find folder: %w", err)
	}
	if len(found) > 0 {
		if len(found) > 1 {
			r.logger.Warn("multiple folders share a name, using the first",
				"name", name, "parent", parentID, "count", len(found))
		}
		step.FolderID = found[0].ID
		return step, nil
	}

	if !create {
		return Step{}, xferr.ErrFolderNotFound.WithExtra("name", name)
	}

	if step.AtRoot {
		r.logger.Warn("creating folder in drive root", "name", name)
	}
	folder, err := r.svc.CreateFolder(ctx, name, parentID)
	if err != nil {
		return Step{}, fmt.Errorf("create folder: %w", err)
	}
	metrics.FoldersCreatedTotal.WithLabelValues(fmt.Sprint(step.AtRoot)).Inc()
	r.logger.Debug("created folder", "name", name, "id", folder.ID, "parent", parentID)
	step.FolderID = folder.ID
	step.Created = true
	return step, nil
}
