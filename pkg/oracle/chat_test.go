package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refract-ml/refract/pkg/errors"
)

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ref.png")
	require.NoError(t, os.WriteFile(path, []byte("fake-png-bytes"), 0o644))
	return path
}

func chatCompletion(content string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
	}
}

func TestChatOracleGeneratesProgram(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(chatCompletion("```python\nprint('hi')\n```"))
	}))
	defer server.Close()

	o, err := NewChatOracle(server.URL+"/v1", "test-model", "secret")
	require.NoError(t, err)

	program, err := o.GenerateProgram(context.Background(), Request{
		Instruction: "Recreate the image.",
		ImagePath:   writeTestImage(t),
	})
	require.NoError(t, err)

	assert.Equal(t, "print('hi')", program.Source)
	assert.Contains(t, program.Raw, "```python")

	assert.Equal(t, "test-model", captured.Model)
	require.Len(t, captured.Messages, 1)
	require.Len(t, captured.Messages[0].Content, 2)
	assert.Equal(t, "image_url", captured.Messages[0].Content[0].Type)
	assert.Contains(t, captured.Messages[0].Content[0].ImageURL.URL, "data:image/png;base64,")
	assert.Contains(t, captured.Messages[0].Content[1].Text, "Recreate the image.")
}

func TestChatOracleNoCodeInCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(chatCompletion(""))
	}))
	defer server.Close()

	o, err := NewChatOracle(server.URL, "test-model", "")
	require.NoError(t, err)

	_, err = o.GenerateProgram(context.Background(), Request{ImagePath: writeTestImage(t)})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.MalformedProgram))
}

func TestChatOracleServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	o, err := NewChatOracle(server.URL, "test-model", "")
	require.NoError(t, err)

	_, err = o.GenerateProgram(context.Background(), Request{ImagePath: writeTestImage(t)})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.OracleFailed))
}

func TestChatOracleMissingImage(t *testing.T) {
	o, err := NewChatOracle("http://localhost:1", "test-model", "")
	require.NoError(t, err)

	_, err = o.GenerateProgram(context.Background(), Request{ImagePath: "/does/not/exist.png"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.InvalidInput))
}

func TestNewChatOracleValidation(t *testing.T) {
	_, err := NewChatOracle("", "model", "")
	assert.Error(t, err)

	_, err = NewChatOracle("http://localhost", "", "")
	assert.Error(t, err)
}
