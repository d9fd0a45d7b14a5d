package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
)

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response with a fixed Content-Length.
// The body of res is consumed and set back, so res can still be used afterwards.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}
	stored := *res
	stored.Header = res.Header.Clone()
	stored.ProtoMajor, stored.ProtoMinor = 1, 1
	stored.TransferEncoding = nil
	stored.Trailer = nil
	stored.Close = false
	stored.ContentLength = int64(len(body))
	stored.Body = bodyOf(body)

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a byte slice created by ResponseToBytes back to a http.Response.
// The request, if any, is attached as the response's request.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}

// Clone returns an independent copy of res.
// Both responses have a readable body afterwards.
func Clone(res *http.Response) (*http.Response, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}
	clone := *res
	clone.Header = res.Header.Clone()
	clone.Trailer = res.Trailer.Clone()
	clone.Body = bodyOf(body)
	return &clone, nil
}

// readBody reads the whole body of res and sets it back as an in-memory body.
func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		res.Body = http.NoBody
		return nil, nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		// the caller still sees what was read, followed by the same error
		res.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), errorReader{err}))
		return nil, err
	}
	res.Body = bodyOf(body)
	res.ContentLength = int64(len(body))
	return body, nil
}

type errorReader struct {
	err error
}

func (r errorReader) Read(p []byte) (int, error) {
	return 0, r.err
}

func bodyOf(b []byte) io.ReadCloser {
	if len(b) == 0 {
		return http.NoBody
	}
	return io.NopCloser(bytes.NewReader(b))
}
