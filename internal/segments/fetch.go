package segments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrUnexpectedStatus is returned for a non-2xx HTTP response.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// DefaultFetchTimeout bounds one HTTP fetch when no client is supplied.
const DefaultFetchTimeout = 30 * time.Second

// FetchResult is the body of a successful GET and the URL it was finally
// served from, after redirects.
type FetchResult struct {
	Data        []byte
	ResponseURL string
}

// Fetcher performs plain HTTP GETs. Identical concurrent Fetch calls (same
// URL, range and headers) share one request.
type Fetcher struct {
	client *http.Client
	group  singleflight.Group
}

// NewFetcher returns a Fetcher using client, or a client with
// DefaultFetchTimeout when client is nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	return &Fetcher{client: client}
}

// Fetch GETs url. rangeHeader, if non-empty, is sent as the Range header.
// header is merged into the request.
func (f *Fetcher) Fetch(ctx context.Context, url, rangeHeader string, header http.Header) (FetchResult, error) {
	key := url + "\x00" + rangeHeader
	if len(header) > 0 {
		key += "\x00" + fmt.Sprint(header)
	}

	ch := f.group.DoChan(key, func() (any, error) {
		// The shared request outlives any one waiting caller.
		return f.get(context.WithoutCancel(ctx), url, rangeHeader, header)
	})

	select {
	case <-ctx.Done():
		return FetchResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return FetchResult{}, res.Err
		}
		return res.Val.(FetchResult), nil
	}
}

// Download is Fetch without sharing: the request belongs to the caller and
// stops when ctx is done.
func (f *Fetcher) Download(ctx context.Context, url, rangeHeader string, header http.Header) (FetchResult, error) {
	return f.get(ctx, url, rangeHeader, header)
}

func (f *Fetcher) get(ctx context.Context, url, rangeHeader string, header http.Header) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build request for %s: %w", url, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return FetchResult{}, fmt.Errorf("%w: %s: %s", ErrUnexpectedStatus, url, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return FetchResult{}, fmt.Errorf("read %s: %w", url, err)
	}
	return FetchResult{Data: data, ResponseURL: resp.Request.URL.String()}, nil
}
