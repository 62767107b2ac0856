package pipeline

import (
	"bytes"
	"io"
	"net/http"
	"testing"
)

type stubRoundTripper struct {
	onCall func()
}

func (s stubRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	if s.onCall != nil {
		s.onCall()
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader([]byte("ok"))),
		Request:    r,
	}, nil
}

// newOriginStub builds an *http.Client that never leaves the process,
// invoking onCall (if non-nil) whenever a request would be sent.
func newOriginStub(t *testing.T, onCall func()) *http.Client {
	t.Helper()
	return &http.Client{Transport: stubRoundTripper{onCall: onCall}}
}

func httpTestBody(s string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(s)))
}
