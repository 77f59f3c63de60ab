package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestIsNotFound(t *testing.T) {
	for name, tc := range map[string]struct {
		err  error
		want bool
	}{
		"no such key":        {&s3Types.NoSuchKey{}, true},
		"head not found":     {&s3Types.NotFound{}, true},
		"no such bucket":     {&s3Types.NoSuchBucket{}, true},
		"api code NotFound":  {&smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}, true},
		"api code NoSuchKey": {fmt.Errorf("wrapped: %w", &smithy.GenericAPIError{Code: "NoSuchKey"}), true},
		"access denied":      {&smithy.GenericAPIError{Code: "AccessDenied"}, false},
		"http 404": {&awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusNotFound}},
			Err:      errors.New("boom"),
		}}, true},
		"http 500": {&awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusInternalServerError}},
			Err:      errors.New("boom"),
		}}, false},
		"network": {errors.New("dial tcp: connection refused"), false},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, isNotFound(tc.err))
		})
	}
}

func TestTranslate(t *testing.T) {
	s := &S3{bucket: "b"}

	err := s.translate("get", "k", &s3Types.NoSuchKey{})
	assert.ErrorIs(t, err, ErrNotFound)
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "get", serr.Op)
	assert.Equal(t, "k", serr.Key)

	cause := errors.New("connection reset")
	err = s.translate("put", "k", cause)
	assert.False(t, IsNotFound(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func s3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

// fakeS3 answers path-style requests for one bucket. The bucket already
// exists and the first object upload is throttled.
type fakeS3 struct {
	creates, puts atomic.Int32
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	switch {
	case r.Method == http.MethodPut && path == "results":
		f.creates.Add(1)
		s3Error(w, http.StatusConflict, "BucketAlreadyOwnedByYou")
	case r.Method == http.MethodPut:
		if f.puts.Add(1) == 1 {
			s3Error(w, http.StatusServiceUnavailable, "ServiceUnavailable")
			return
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		s3Error(w, http.StatusNotFound, "NoSuchKey")
	default:
		s3Error(w, http.StatusNotImplemented, "NotImplemented")
	}
}

func TestS3_ExistingBucketAndRetries(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	s, err := NewS3(ctx, S3Options{
		Endpoint:    srv.URL,
		AccessKey:   "access",
		SecretKey:   "secret",
		Region:      "us-east-1",
		MaxAttempts: 3,
		Bucket:      "results",
	}, zap.NewNop())
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "ball.tar")
	require.NoError(t, os.WriteFile(file, []byte("archive"), 0644))

	require.NoError(t, s.Put(ctx, file, "C1/afl/libpng/read/p1/ball.tar"))
	assert.EqualValues(t, 1, fake.creates.Load())
	assert.EqualValues(t, 2, fake.puts.Load())

	// the bucket is only provisioned once per store
	require.NoError(t, s.Put(ctx, file, "C1/afl/libpng/read/p2/ball.tar"))
	assert.EqualValues(t, 1, fake.creates.Load())
	assert.EqualValues(t, 3, fake.puts.Load())

	err = s.Get(ctx, "C1/missing", filepath.Join(t.TempDir(), "out"))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

// TestS3Contract runs against a live S3-compatible endpoint (e.g. minio) when
// DMAGMA_S3_TEST_ENDPOINT is set.
func TestS3Contract(t *testing.T) {
	endpoint := os.Getenv("DMAGMA_S3_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("DMAGMA_S3_TEST_ENDPOINT not set")
	}

	s, err := NewS3(context.Background(), S3Options{
		Endpoint:    endpoint,
		AccessKey:   os.Getenv("S3_ACCESS_KEY"),
		SecretKey:   os.Getenv("S3_SECRET_KEY"),
		Region:      "us-east-1",
		MaxAttempts: 5,
		Bucket:      "test-" + uuid.New().String(),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Clear(context.Background()) })

	runContract(t, s)
}
