// Package worker validates work specifications and orchestrates their
// execution: session acquisition, identity resolution and concurrent
// transfers through the copy pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sync/errgroup"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
	"github.com/brucemcpherson/bm-drive-cloud/internal/storage"
)

// allowedOps are the accepted work item operations.
var allowedOps = map[string]bool{
	"cp":   true,
	"copy": true,
}

// PlatformSpec is one side of a work item as it appears on the wire.
type PlatformSpec struct {
	// Type is the kind name or alias.
	Type string `json:"type" doc:"Platform kind: fs, gcs, drive, s3, azure or a canonical kind name"`
	// SA names the credential to use.
	SA string `json:"sa,omitempty" doc:"Name of the credential in the credential set"`
	// Subject is the identity to impersonate, for kinds that support it.
	Subject string `json:"subject,omitempty" doc:"Identity to impersonate (drive only)"`
}

// FileSpec is one source/destination path pair.
type FileSpec struct {
	From string `json:"from" doc:"Source path"`
	To   string `json:"to" doc:"Destination path"`
}

// WorkSpecItem is one work item as it appears on the wire.
type WorkSpecItem struct {
	Op    string       `json:"op" doc:"Operation, cp or copy"`
	From  PlatformSpec `json:"from"`
	To    PlatformSpec `json:"to"`
	Files []FileSpec   `json:"files"`
}

// FilePair is a source and destination FileRef.
type FilePair struct {
	From *storage.FileRef
	To   *storage.FileRef
}

// WorkItem is a validated work item.
type WorkItem struct {
	Op    string
	From  *storage.Platform
	To    *storage.Platform
	Files []FilePair
}

// Validate checks the work specification against the credential set and
// builds WorkItems with credentials attached by name. It does no I/O.
func Validate(work []WorkSpecItem, creds []storage.Credential) ([]*WorkItem, error) {
	byName := make(map[string]*storage.Credential, len(creds))
	for i := range creds {
		byName[creds[i].Name] = &creds[i]
	}

	items := make([]*WorkItem, 0, len(work))
	for i, w := range work {
		op := strings.ToLower(strings.TrimSpace(w.Op))
		if !allowedOps[op] {
			return nil, xferr.ErrUnsupportedOperation.WithExtra("op", w.Op)
		}
		from, err := platformFor(w.From, byName)
		if err != nil {
			return nil, fmt.Errorf("work item %d from: %w", i, err)
		}
		to, err := platformFor(w.To, byName)
		if err != nil {
			return nil, fmt.Errorf("work item %d to: %w", i, err)
		}

		item := &WorkItem{Op: op, From: from, To: to, Files: make([]FilePair, 0, len(w.Files))}
		for _, f := range w.Files {
			item.Files = append(item.Files, FilePair{
				From: &storage.FileRef{PathName: f.From},
				To:   &storage.FileRef{PathName: f.To},
			})
		}
		items = append(items, item)
	}
	return items, nil
}

func platformFor(spec PlatformSpec, creds map[string]*storage.Credential) (*storage.Platform, error) {
	kind, err := storage.ParseKind(spec.Type)
	if err != nil {
		return nil, err
	}
	p := &storage.Platform{Kind: kind, CredentialName: spec.SA, Subject: spec.Subject}
	if cred, ok := creds[spec.SA]; ok {
		p.Credential = cred
	}
	if kind.NeedsCredential() && p.Credential == nil {
		return nil, xferr.ErrMissingCredentials.
			WithExtra("kind", string(kind)).
			WithExtra("name", spec.SA)
	}
	return p, nil
}

// DecodeWork parses a work specification document.
func DecodeWork(data []byte) ([]WorkSpecItem, error) {
	var work []WorkSpecItem
	if err := json.Unmarshal(data, &work); err != nil {
		return nil, xferr.ErrMalformedWork.Wrap(err)
	}
	return work, nil
}

// DecodeCredentials parses a credential set document.
func DecodeCredentials(data []byte) ([]storage.Credential, error) {
	var creds []storage.Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, xferr.ErrInvalidCredentials.WithMessage("The credential set is malformed").Wrap(err)
	}
	return creds, nil
}

// LoadContent reads and decodes the credential and work files concurrently.
func LoadContent(ctx context.Context, saPath, workPath string) ([]WorkSpecItem, []storage.Credential, error) {
	var (
		work  []WorkSpecItem
		creds []storage.Credential
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := os.ReadFile(workPath)
		if err != nil {
			return fmt.Errorf("reading work file: %w", err)
		}
		work, err = DecodeWork(data)
		return err
	})
	g.Go(func() error {
		data, err := os.ReadFile(saPath)
		if err != nil {
			return fmt.Errorf("reading credentials file: %w", err)
		}
		creds, err = DecodeCredentials(data)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return work, creds, nil
}
