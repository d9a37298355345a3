package verifier

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
)

func TestExtractJSONNested(t *testing.T) {
	raw := `prefix {"a": {"b": "c"}, "d": "}"} suffix`
	assert.Equal(t, `{"a": {"b": "c"}, "d": "}"}`, extractJSON(raw))
	assert.Empty(t, extractJSON("no json here"))
	assert.Empty(t, extractJSON("{unterminated"))
}

func TestChatJudgeSendsBothImages(t *testing.T) {
	dir := t.TempDir()
	ref := filepath.Join(dir, "ref.png")
	art := filepath.Join(dir, "art.jpg")
	require.NoError(t, os.WriteFile(ref, []byte("ref-bytes"), 0o644))
	require.NoError(t, os.WriteFile(art, []byte("art-bytes"), 0o644))

	var captured judgeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": `{"status": "PASS"}`}},
			},
		})
	}))
	defer server.Close()

	judge, err := NewChatJudge(server.URL, "judge-model", "")
	require.NoError(t, err)

	raw, err := judge.Assess(context.Background(), ref, art, judgePrompt)
	require.NoError(t, err)
	assert.Contains(t, raw, "PASS")

	require.Len(t, captured.Messages, 1)
	require.Len(t, captured.Messages[0].Content, 3)
	assert.Contains(t, captured.Messages[0].Content[0].ImageURL.URL, "data:image/png;base64,")
	assert.Contains(t, captured.Messages[0].Content[1].ImageURL.URL, "data:image/jpeg;base64,")
	assert.Equal(t, judgePrompt, captured.Messages[0].Content[2].Text)
}
