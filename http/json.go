package http

import (
	"context"
	"encoding/json"
	"fmt"
)

// JSONBody encodes v as a request body. time.Time values encode as RFC 3339.
func JSONBody(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, NewInvalidRequestError("failed to encode request body", err)
	}
	return b, nil
}

// Decode unmarshals a successful response into T. An empty body yields the
// zero value.
func Decode[T any](resp *Response) (T, error) {
	var out T
	if resp == nil || len(resp.Body) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, NewDecodingError(fmt.Sprintf("response does not decode as %T", out), err)
	}
	return out, nil
}

// DoJSON performs a call and decodes the response into T.
func DoJSON[T any](ctx context.Context, c Client, method string, req *Request) (T, error) {
	resp, err := c.Do(ctx, method, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](resp)
}
