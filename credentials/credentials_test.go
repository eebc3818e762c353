package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveReader_EnvFunction(t *testing.T) {
	t.Setenv("TEST_KEY", "secret123")

	input := `{"api_keys": [{{ env "TEST_KEY" | json }}]}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"secret123"}, creds.APIKeys)
}

func TestResolveReader_EnvFunctionMissing(t *testing.T) {
	input := `{"api_keys": [{{ env "NONEXISTENT_VAR_XYZ" | json }}]}`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "NONEXISTENT_VAR_XYZ")
}

func TestResolveReader_EnvDefaultFunction(t *testing.T) {
	input := `{"api_keys": [{{ envDefault "NONEXISTENT_VAR_XYZ" "fallback" | json }}]}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"fallback"}, creds.APIKeys)
}

func TestResolveReader_EnvDefaultWithSetVar(t *testing.T) {
	t.Setenv("TEST_VAR", "actual")

	input := `{"api_keys": [{{ envDefault "TEST_VAR" "fallback" | json }}]}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"actual"}, creds.APIKeys)
}

func TestResolveReader_FileFunction(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "key.txt")
	err := os.WriteFile(tmpFile, []byte("file-secret\n"), 0o600)
	require.NoError(t, err)

	input := `{"api_keys": [{{ file "` + tmpFile + `" | json }}]}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"file-secret"}, creds.APIKeys)
}

func TestResolveReader_JSONEscaping(t *testing.T) {
	t.Setenv("TEST_SPECIAL", `value with "quotes" and \backslash`)

	input := `{"api_keys": [{{ env "TEST_SPECIAL" | json }}]}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{`value with "quotes" and \backslash`}, creds.APIKeys)
}

func TestResolveReader_MockProvider(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	input := `{"api_keys": [{{ mock "my-secret" | json }}]}`
	r := NewResolver(WithProvider("mock", mockProvider))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"resolved-my-secret"}, creds.APIKeys)
	require.Equal(t, 1, callCount)
}

func TestResolveReader_ProviderMemoization(t *testing.T) {
	callCount := 0
	mockProvider := func(_ context.Context, ref string) (string, error) {
		callCount++
		return "resolved-" + ref, nil
	}

	// Same provider+ref used twice
	input := `{
		"api_keys": [{{ mock "same-ref" | json }}],
		"s3": {"access_key": "store", "secret_key": {{ mock "same-ref" | json }}}
	}`
	r := NewResolver(WithProvider("mock", mockProvider))
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, []string{"resolved-same-ref"}, creds.APIKeys)
	require.Equal(t, 1, callCount, "provider should only be called once due to memoization")
}

func TestResolveReader_FullCredentials(t *testing.T) {
	t.Setenv("UPLOAD_KEY", "upload-secret")
	t.Setenv("ADMIN_KEY", "admin-secret")
	t.Setenv("S3_ACCESS", "minio-access")
	t.Setenv("S3_SECRET", "minio-secret")

	input := `{
		"api_keys": [
			{{ env "UPLOAD_KEY" | json }},
			{{ env "ADMIN_KEY" | json }}
		],
		"s3": {
			"access_key": {{ env "S3_ACCESS" | json }},
			"secret_key": {{ env "S3_SECRET" | json }}
		}
	}`

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)

	require.Equal(t, []string{"upload-secret", "admin-secret"}, creds.APIKeys)

	require.NotNil(t, creds.S3)
	require.Equal(t, "minio-access", creds.S3.AccessKey)
	require.Equal(t, "minio-secret", creds.S3.SecretKey)
}

func TestResolveReader_MissingKeyError(t *testing.T) {
	input := `{"api_keys": [{{ .UndefinedKey }}]}`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executing credentials template")
}

func TestResolveReader_InvalidJSON(t *testing.T) {
	input := `not valid json`
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid credentials JSON after template execution")
}

func TestResolveReader_EmptyInput(t *testing.T) {
	input := `{}`
	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Empty(t, creds.APIKeys)
	require.Nil(t, creds.S3)
}

func TestResolveFile(t *testing.T) {
	t.Setenv("TEST_KEY", "from-file")

	tmpFile := filepath.Join(t.TempDir(), "creds.json.tmpl")
	err := os.WriteFile(tmpFile, []byte(`{"api_keys": [{{ env "TEST_KEY" | json }}]}`), 0o600)
	require.NoError(t, err)

	r := NewResolver()
	creds, err := r.ResolveFile(context.Background(), tmpFile)
	require.NoError(t, err)
	require.Equal(t, []string{"from-file"}, creds.APIKeys)
}

func TestResolveFile_NotFound(t *testing.T) {
	r := NewResolver()
	_, err := r.ResolveFile(context.Background(), "/nonexistent/path")
	require.Error(t, err)
	require.Contains(t, err.Error(), "opening credentials file")
}

func TestResolveReader_OversizedInput(t *testing.T) {
	// Create input larger than maxInputSize
	input := strings.Repeat("x", maxInputSize+1)
	r := NewResolver()
	_, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeds maximum size")
}

func TestResolveReader_PartialCredentials(t *testing.T) {
	input := `{
		"s3": {
			"access_key": "only-store-creds",
			"secret_key": "shh"
		}
	}`

	r := NewResolver()
	creds, err := r.ResolveReader(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Empty(t, creds.APIKeys)
	require.NotNil(t, creds.S3)
	require.Equal(t, "only-store-creds", creds.S3.AccessKey)
}
