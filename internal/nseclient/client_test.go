package nseclient

import (
	"context"
	"crypto/aes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nsetools/nsesync/internal/model"
)

const testSecretKey = "c2l4dGVlbiBieXRlIGtleQ==" // "sixteen byte key"

func creds() model.CredentialRecord {
	return model.CredentialRecord{
		MemberCode: "90123",
		LoginID:    "ADMIN01",
		Password:   "pass!word",
		SecretKey:  testSecretKey,
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, RequestsPerSec: 1000})
}

func TestEncryptPasswordRoundTrip(t *testing.T) {
	enc, err := EncryptPassword("pass!word", testSecretKey)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(enc)
	require.NoError(t, err)
	require.Equal(t, 0, len(raw)%aes.BlockSize)

	key, _ := base64.StdEncoding.DecodeString(testSecretKey)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	plain := make([]byte, len(raw))
	for i := 0; i < len(raw); i += block.BlockSize() {
		block.Decrypt(plain[i:i+block.BlockSize()], raw[i:i+block.BlockSize()])
	}
	pad := int(plain[len(plain)-1])
	require.Greater(t, pad, 0)
	require.LessOrEqual(t, pad, aes.BlockSize)
	assert.Equal(t, "pass!word", string(plain[:len(plain)-pad]))
}

func TestEncryptPasswordBadKey(t *testing.T) {
	_, err := EncryptPassword("x", "not-base64!!")
	assert.Error(t, err)
}

func TestAuthenticateSuccess(t *testing.T) {
	var gotBody map[string]string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/login", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"code": "601", "token": "tok-1"})
	}))

	token, err := c.Authenticate(context.Background(), creds())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, "90123", gotBody["memberCode"])
	assert.Equal(t, "ADMIN01", gotBody["loginId"])
	// The password never travels in clear form.
	assert.NotEmpty(t, gotBody["password"])
	assert.NotEqual(t, "pass!word", gotBody["password"])
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"code": "603"})
	}))
	_, err := c.Authenticate(context.Background(), creds())
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateServiceUnavailable(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := c.Authenticate(context.Background(), creds())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestListFiles(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/member/content/list", r.URL.Path)
		require.Equal(t, "CM", r.URL.Query().Get("segment"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"code": "601",
			"files": []map[string]any{
				{"fileId": "1", "fileName": "a.csv", "size": 10, "checksum": "aa"},
				{"fileId": "2", "fileName": "b.csv", "size": 20},
			},
		})
	}))

	files, err := c.ListFiles(context.Background(), "tok", "CM")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.csv", files[0].FileName)
	assert.Equal(t, "aa", files[0].Checksum)
	assert.Empty(t, files[1].Checksum)
}

func TestListFilesSessionExpired(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.ListFiles(context.Background(), "tok", "CM")
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestListFilesSegmentAccessDenied(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"code": "720"})
	}))
	_, err := c.ListFiles(context.Background(), "tok", "SLB")
	assert.ErrorIs(t, err, ErrSegmentAccess)
}

func TestDownload(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/member/file/download", r.URL.Path)
		require.Equal(t, "a.csv", r.URL.Query().Get("filename"))
		w.Write([]byte("payload"))
	}))

	body, err := c.Download(context.Background(), "tok", "CM", model.RemoteFile{FileName: "a.csv"})
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestDownloadNotFound(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := c.Download(context.Background(), "tok", "CM", model.RemoteFile{FileName: "a.csv"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDownloadPartialTransfer(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
		// Flush and let the handler return; the body ends early.
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))

	body, err := c.Download(context.Background(), "tok", "CM", model.RemoteFile{FileName: "a.csv"})
	require.NoError(t, err)
	defer body.Close()
	_, err = io.ReadAll(body)
	assert.Error(t, err)
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, Retryable(ErrTimeout))
	assert.True(t, Retryable(ErrServiceUnavailable))
	assert.True(t, Retryable(ErrPartialTransfer))
	assert.False(t, Retryable(ErrInvalidCredentials))
	assert.False(t, Retryable(ErrNotFound))
	assert.False(t, Retryable(ErrSessionExpired))
}
