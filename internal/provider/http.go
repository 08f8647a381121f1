package provider

import (
	"context"
	"io"
	"net/http"
)

const maxErrorBody = 4 << 10

// authedDo runs an authenticated request, refreshing the token once and
// retrying transparently when the provider answers 401.
func authedDo(ctx context.Context, client *http.Client, tokens *tokenSource, build func(token string) (*http.Request, error)) (*http.Response, error) {
	token, err := tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err := build(token)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)

	tokens.Invalidate()
	token, err = tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	req, err = build(token)
	if err != nil {
		return nil, err
	}
	return client.Do(req)
}

func readBody(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
	return body
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
