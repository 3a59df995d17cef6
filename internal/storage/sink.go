package storage

import (
	"io"
	"sync"
)

// uploadFunc consumes r until EOF and returns the identifier and content
// type the backend assigned.
type uploadFunc func(r io.Reader) (fileID, contentType string, err error)

type uploadResult struct {
	fileID      string
	contentType string
	err         error
}

// pipeSink adapts a reader-driven upload API to a Sink. Writes go into an
// io.Pipe whose far end is drained by the upload running in its own
// goroutine. Close waits for the upload and records its result on res.
type pipeSink struct {
	pw   *io.PipeWriter
	done chan uploadResult
	res  *StreamResource

	once   sync.Once
	result uploadResult
}

func newPipeSink(res *StreamResource, upload uploadFunc) *pipeSink {
	pr, pw := io.Pipe()
	s := &pipeSink{pw: pw, done: make(chan uploadResult, 1), res: res}
	go func() {
		id, ct, err := upload(pr)
		// Unblock any writer still waiting on the pipe.
		if err != nil {
			pr.CloseWithError(err)
		} else {
			pr.Close()
		}
		s.done <- uploadResult{fileID: id, contentType: ct, err: err}
	}()
	return s
}

func (s *pipeSink) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

func (s *pipeSink) wait() uploadResult {
	s.once.Do(func() { s.result = <-s.done })
	return s.result
}

// Close signals EOF to the upload and waits for it to finish.
func (s *pipeSink) Close() error {
	s.pw.Close()
	r := s.wait()
	if r.err != nil {
		return r.err
	}
	if r.fileID != "" {
		s.res.FileID = r.fileID
	}
	if r.contentType != "" {
		s.res.ContentType = r.contentType
	}
	return nil
}

// CloseWithError aborts the upload with err and waits for it to stop.
func (s *pipeSink) CloseWithError(err error) error {
	s.pw.CloseWithError(err)
	s.wait()
	return nil
}
