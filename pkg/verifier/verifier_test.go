package verifier_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/refract-ml/refract/internal/testutil"
	"github.com/refract-ml/refract/pkg/errors"
	"github.com/refract-ml/refract/pkg/verifier"
)

func TestVerifyParsesCleanJSON(t *testing.T) {
	judge := new(testutil.MockJudge)
	judge.On("Assess", mock.Anything, "ref.png", "art.png", mock.Anything).
		Return(`{"status": "FAIL", "differences": ["circle is red"], "suggestions": ["use blue"]}`, nil)

	v := verifier.New(judge)
	report, err := v.Verify(context.Background(), "ref.png", "art.png")
	require.NoError(t, err)

	assert.Equal(t, verifier.Fail, report.Status)
	assert.False(t, report.Passed())
	assert.Equal(t, []string{"circle is red"}, report.Differences)
	assert.Equal(t, []string{"use blue"}, report.Suggestions)
}

func TestVerifyParsesJSONInProse(t *testing.T) {
	judge := new(testutil.MockJudge)
	judge.On("Assess", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("Here is my judgment:\n```json\n{\"status\": \"pass\", \"differences\": []}\n```\nThanks!", nil)

	v := verifier.New(judge)
	report, err := v.Verify(context.Background(), "ref.png", "art.png")
	require.NoError(t, err)

	assert.Equal(t, verifier.Pass, report.Status)
	assert.True(t, report.Passed())
}

func TestVerifyFallbackOnMalformedJSON(t *testing.T) {
	judge := new(testutil.MockJudge)
	judge.On("Assess", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("FAIL. The images differ:\n- the axis labels are missing\n* the line is dashed", nil)

	v := verifier.New(judge)
	report, err := v.Verify(context.Background(), "ref.png", "art.png")
	require.NoError(t, err)

	assert.Equal(t, verifier.Fail, report.Status)
	assert.Equal(t, []string{"the axis labels are missing", "the line is dashed"}, report.Differences)
}

func TestVerifyFallbackPass(t *testing.T) {
	judge := new(testutil.MockJudge)
	judge.On("Assess", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("This is a PASS, the images match closely.", nil)

	v := verifier.New(judge)
	report, err := v.Verify(context.Background(), "ref.png", "art.png")
	require.NoError(t, err)
	assert.Equal(t, verifier.Pass, report.Status)
}

func TestVerifyFallbackAmbiguousFails(t *testing.T) {
	judge := new(testutil.MockJudge)
	judge.On("Assess", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("hard to say", nil)

	v := verifier.New(judge)
	report, err := v.Verify(context.Background(), "ref.png", "art.png")
	require.NoError(t, err)
	assert.Equal(t, verifier.Fail, report.Status)
}

func TestVerifyInvalidStatusFallsBack(t *testing.T) {
	judge := new(testutil.MockJudge)
	judge.On("Assess", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(`{"status": "MAYBE"} but overall a PASS`, nil)

	v := verifier.New(judge)
	report, err := v.Verify(context.Background(), "ref.png", "art.png")
	require.NoError(t, err)
	assert.Equal(t, verifier.Pass, report.Status)
}

func TestVerifyJudgeError(t *testing.T) {
	judge := new(testutil.MockJudge)
	judge.On("Assess", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New(errors.OracleFailed, "endpoint down"))

	v := verifier.New(judge)
	_, err := v.Verify(context.Background(), "ref.png", "art.png")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.OracleFailed))
}

func TestChatJudgeValidation(t *testing.T) {
	_, err := verifier.NewChatJudge("", "model", "")
	assert.Error(t, err)

	_, err = verifier.NewChatJudge("http://localhost", "", "")
	assert.Error(t, err)
}
