package client

import (
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that authenticates requests with the
// coordinator's access token. A 401 triggers a refresh and a single retry
// with the new token; a 401 on the retry is returned to the caller as is.
type Transport struct {
	Base        http.RoundTripper
	Coordinator *Coordinator
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}

	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := t.Coordinator.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := t.base().RoundTrip(withBearer(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// The body was consumed by the first attempt and cannot be replayed.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	fresh, err := t.Coordinator.Refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	retry := withBearer(req, fresh)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}

	return t.base().RoundTrip(retry)
}

func withBearer(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	} else {
		out.Header.Del("Authorization")
	}

	return out
}
