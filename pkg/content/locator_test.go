package content

import (
	"context"
	"errors"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/goldenimage/pkg/routine"
)

type MockStore struct {
	Objects    map[string]bool
	ExistsErr  error
	PresignErr error
	GotTTL     time.Duration
}

func (m *MockStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	if m.ExistsErr != nil {
		return false, m.ExistsErr
	}
	return m.Objects[bucket+"/"+key], nil
}

func (m *MockStore) PresignGet(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	m.GotTTL = ttl
	if m.PresignErr != nil {
		return "", m.PresignErr
	}
	return "https://" + bucket + ".s3.amazonaws.com/" + key + "?X-Amz-Expires=600", nil
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		raw     string
		want    Reference
		wantErr bool
	}{
		{raw: "s3://software/agent.msi", want: Reference{Store: "software", Path: "agent.msi"}},
		{raw: "S3://software/nested/dir/agent.msi", want: Reference{Store: "software", Path: "nested/dir/agent.msi"}},
		{raw: "https://software/agent.msi", wantErr: true},
		{raw: "s3://software", wantErr: true},
		{raw: "s3://software/", wantErr: true},
		{raw: "s3:///agent.msi", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseReference(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidReference)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	store := &MockStore{Objects: map[string]bool{"software/agent.msi": true}}
	loc := NewLocator(store, 0)

	u, err := loc.Resolve(context.Background(), "s3://software/agent.msi")
	require.NoError(t, err)
	assert.Contains(t, u, "software.s3.amazonaws.com/agent.msi")
	assert.Equal(t, DefaultTTL, store.GotTTL)
}

func TestResolveFailures(t *testing.T) {
	tests := []struct {
		name  string
		store *MockStore
		ref   string
		want  routine.Category
	}{
		{name: "missing object", store: &MockStore{}, ref: "s3://software/none.msi", want: routine.CategoryNotFound},
		{name: "malformed reference", store: &MockStore{}, ref: "software/none.msi", want: routine.CategoryInvalidInput},
		{name: "head fails", store: &MockStore{ExistsErr: errors.New("dial tcp: timeout")}, ref: "s3://software/a.msi", want: routine.CategoryTransportFailure},
		{
			name:  "presign fails",
			store: &MockStore{Objects: map[string]bool{"software/a.msi": true}, PresignErr: errors.New("no credentials")},
			ref:   "s3://software/a.msi",
			want:  routine.CategoryTransportFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLocator(tt.store, time.Minute).Resolve(context.Background(), tt.ref)
			var le *LocateError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, tt.want, le.Category)
			assert.Equal(t, tt.ref, le.Ref)
		})
	}
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"https://example.com/tools/setup.exe":    "setup.exe",
		"https://example.com/a.zip?sig=abc#frag": "a.zip",
		"s3://software/nested/agent.msi":         "agent.msi",
		"https://example.com":                    "",
		"example.com/files/tool.msi?x=1":         "tool.msi",
		"setup.exe":                              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, FileName(in), in)
	}
}

type fakeHead struct{ err error }

func (f fakeHead) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &s3.HeadObjectOutput{}, nil
}

type fakePresign struct{ gotTTL time.Duration }

func (f *fakePresign) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := &s3.PresignOptions{}
	for _, fn := range optFns {
		fn(opts)
	}
	f.gotTTL = opts.Expires
	return &v4.PresignedHTTPRequest{URL: "https://signed/" + *in.Bucket + "/" + *in.Key}, nil
}

func TestS3StoreExists(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{name: "found"},
		{name: "typed not found", err: &s3types.NotFound{}},
		{name: "no such key", err: &s3types.NoSuchKey{}},
		{name: "generic 404 code", err: &smithy.GenericAPIError{Code: "NotFound"}},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &S3Store{api: fakeHead{err: tt.err}, presign: &fakePresign{}}
			found, err := store.Exists(context.Background(), "b", "k")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.err == nil, found)
		})
	}
}

func TestS3StorePresignGet(t *testing.T) {
	p := &fakePresign{}
	store := &S3Store{api: fakeHead{}, presign: p}
	u, err := store.PresignGet(context.Background(), "software", "agent.msi", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "https://signed/software/agent.msi", u)
	assert.Equal(t, 10*time.Minute, p.gotTTL)
}
