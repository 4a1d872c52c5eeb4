package payload

import (
	"context"

	"github.com/weft-io/weft"
)

// Handle adapts a typed service function into a weft.Handler. A payload
// that fails to unmarshal surfaces to the caller as a HandlerError, which
// is accurate: the blob's structure is this service's contract.
func Handle[Req any, Resp any](c Codec, fn func(ctx context.Context, req *Req) (*Resp, error)) weft.Handler {
	return weft.HandlerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		req := new(Req)
		if err := c.Unmarshal(data, req); err != nil {
			return nil, err
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return c.Marshal(resp)
	})
}

// Invoke is the typed counterpart of Node.Call.
func Invoke[Req any, Resp any](
	ctx context.Context,
	nd *weft.Node,
	target string,
	service string,
	c Codec,
	req *Req,
) (*Resp, error) {
	data, err := c.Marshal(req)
	if err != nil {
		return nil, err
	}

	reply, err := nd.Call(ctx, target, service, data)
	if err != nil {
		return nil, err
	}

	resp := new(Resp)
	if err := c.Unmarshal(reply, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
