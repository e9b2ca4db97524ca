// Package nseclient is a stateless wrapper around the three extranet
// operations: authenticate, list files per segment, download a file.
package nseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/nsetools/nsesync/internal/model"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Options struct {
	BaseURL        string
	Timeout        time.Duration
	RequestsPerSec float64
}

func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 4
	}
	return &Client{
		baseURL: opts.BaseURL,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
	}
}

type loginRequest struct {
	MemberCode string `json:"memberCode"`
	LoginID    string `json:"loginId"`
	Password   string `json:"password"`
}

type loginResponse struct {
	Code         string `json:"code"`
	ResponseCode string `json:"responseCode"`
	Status       string `json:"status"`
	Token        string `json:"token"`
	Message      string `json:"message"`
}

// Authenticate logs in and returns the session token. The password is sealed
// with the member's secret key before it leaves the process.
func (c *Client) Authenticate(ctx context.Context, creds model.CredentialRecord) (string, error) {
	encrypted, err := EncryptPassword(creds.Password, creds.SecretKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	body, err := json.Marshal(loginRequest{
		MemberCode: creds.MemberCode,
		LoginID:    creds.LoginID,
		Password:   encrypted,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, "/login", nil, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrInvalidCredentials
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: login HTTP %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("login: unexpected HTTP %d", resp.StatusCode)
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("%w: decode login response: %v", ErrServiceUnavailable, err)
	}

	code := lr.Code
	if code == "" {
		code = lr.ResponseCode
	}
	if (code == "601" || lr.Status == "success") && lr.Token != "" {
		slog.Info("authenticated", "member", creds.MemberCode)
		return lr.Token, nil
	}
	return "", fmt.Errorf("%w: code=%s", ErrInvalidCredentials, code)
}

type listResponse struct {
	Code  string `json:"code"`
	Files []struct {
		FileID   string `json:"fileId"`
		FileName string `json:"fileName"`
		Size     int64  `json:"size"`
		Checksum string `json:"checksum"`
	} `json:"files"`
}

// ListFiles returns the files the extranet offers for one segment.
func (c *Client) ListFiles(ctx context.Context, token, segment string) ([]model.RemoteFile, error) {
	q := url.Values{"segment": {segment}}
	resp, err := c.do(ctx, http.MethodGet, "/member/content/list?"+q.Encode(), bearer(token), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrSessionExpired
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: list HTTP %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("list %s: unexpected HTTP %d", segment, resp.StatusCode)
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("%w: decode list response: %v", ErrServiceUnavailable, err)
	}

	// 704 (not eligible) and 720 (no access) are segment-level refusals.
	if lr.Code == "704" || lr.Code == "720" {
		return nil, fmt.Errorf("%w: segment %s code=%s", ErrSegmentAccess, segment, lr.Code)
	}

	files := make([]model.RemoteFile, 0, len(lr.Files))
	for _, f := range lr.Files {
		files = append(files, model.RemoteFile{
			FileID:   f.FileID,
			FileName: f.FileName,
			Size:     f.Size,
			Checksum: f.Checksum,
		})
	}
	return files, nil
}

// Download fetches one file's payload. The returned reader enforces the
// declared content length: short reads surface as ErrPartialTransfer.
func (c *Client) Download(ctx context.Context, token, segment string, file model.RemoteFile) (io.ReadCloser, error) {
	q := url.Values{"segment": {segment}, "filename": {file.FileName}}
	resp, err := c.do(ctx, http.MethodGet, "/member/file/download?"+q.Encode(), bearer(token), nil)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, ErrSessionExpired
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, file.FileName)
	case resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: download HTTP %d", ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: unexpected HTTP %d", file.FileName, resp.StatusCode)
	}

	return &lengthCheckedBody{body: resp.Body, want: resp.ContentLength}, nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body io.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "nsesync/1.0")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	return resp, nil
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// lengthCheckedBody turns a short body into ErrPartialTransfer at EOF.
type lengthCheckedBody struct {
	body io.ReadCloser
	want int64
	read int64
}

func (b *lengthCheckedBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.read += int64(n)
	if err == io.EOF && b.want >= 0 && b.read < b.want {
		return n, fmt.Errorf("%w: got %d of %d bytes", ErrPartialTransfer, b.read, b.want)
	}
	return n, err
}

func (b *lengthCheckedBody) Close() error { return b.body.Close() }
