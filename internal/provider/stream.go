package provider

import (
	"io"
	"net/http"
)

// HTTPStream adapts an open http.Response body to the Stream interface,
// same shape as the teacher's HTTPStream.
type HTTPStream struct {
	body io.ReadCloser
}

// NewHTTPStream wraps resp's body. The caller must Close the stream.
func NewHTTPStream(resp *http.Response) *HTTPStream {
	return &HTTPStream{body: resp.Body}
}

// Next returns the next chunk of raw SSE bytes, or io.EOF when the
// upstream closes the connection.
func (s *HTTPStream) Next() ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := s.body.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Close releases the underlying connection.
func (s *HTTPStream) Close() error {
	return s.body.Close()
}
