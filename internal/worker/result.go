package worker

import (
	"encoding/json"

	xferr "github.com/brucemcpherson/bm-drive-cloud/internal/errors"
)

// Endpoint is the reported view of one side of a transfer.
type Endpoint struct {
	PathName string `json:"pathName"`
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType"`
	FileID   string `json:"fileId"`
}

// TransferResult is the reported outcome of one successful file transfer.
type TransferResult struct {
	Size      int64    `json:"size"`
	ElapsedMs int64    `json:"elapsedMs"`
	From      Endpoint `json:"from"`
	To        Endpoint `json:"to"`
}

func newTransferResult(item *WorkItem, pair FilePair) *TransferResult {
	return &TransferResult{
		Size:      pair.From.Size,
		ElapsedMs: pair.To.Elapsed.Milliseconds(),
		From: Endpoint{
			PathName: pair.From.PathName,
			Kind:     string(item.From.Kind),
			MimeType: pair.From.MimeType,
			FileID:   pair.From.FileID,
		},
		To: Endpoint{
			PathName: pair.To.PathName,
			Kind:     string(item.To.Kind),
			MimeType: pair.To.MimeType,
			FileID:   pair.To.FileID,
		},
	}
}

// OutcomeError is the reported form of a failed transfer.
type OutcomeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// MarshalJSON reports a successful outcome as its TransferResult and a
// failed one as {"error": {...}}.
func (o Outcome) MarshalJSON() ([]byte, error) {
	if o.Err == nil {
		return json.Marshal(o.Result)
	}
	return json.Marshal(struct {
		Error OutcomeError `json:"error"`
	}{
		Error: OutcomeError{
			Code:    xferr.CodeOf(o.Err),
			Message: o.Err.Error(),
			Status:  xferr.StatusOf(o.Err),
		},
	})
}
