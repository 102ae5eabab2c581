package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "plain kind",
			err:  &Error{Kind: KindBuildFailed, Message: "template missing"},
			want: "build_failed: template missing",
		},
		{
			name: "provider attributed",
			err:  &Error{Kind: KindProviderError, Provider: ProviderExa, Message: "503", Attempts: 3},
			want: "provider_error:exa: 503 (after 3 attempts)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := Newf(KindStorageError, "put %s", "index.html")
	wrapped := fmt.Errorf("deploy: %w", base)

	k, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindStorageError, k)
	assert.True(t, Is(wrapped, KindStorageError))
	assert.False(t, Is(wrapped, KindBuildFailed))

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestNewNil(t *testing.T) {
	assert.NoError(t, New(KindBuildFailed, nil))
	assert.NoError(t, Provider(ProviderTavily, nil))
}

func TestConsistencyErrorsMatchSentinels(t *testing.T) {
	conflict := fmt.Errorf("cancel: %w", Conflict("cancel", "job", "completed"))
	assert.ErrorIs(t, conflict, ErrConflict)
	assert.Contains(t, conflict.Error(), `status "completed"`)

	var ce *ConflictError
	assert.ErrorAs(t, conflict, &ce)
	assert.Equal(t, "completed", ce.Status)

	assert.ErrorIs(t, NotFound("job", "j1"), ErrNotFound)
	assert.ErrorIs(t, Invalid("rename", "must not be empty"), ErrValidation)
	assert.NotErrorIs(t, NotFound("job", "j1"), ErrConflict)
}

func TestPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"conflict", Conflict("retry", "job", "pending"), true},
		{"not found", NotFound("artifact", "a"), true},
		{"transcript missing", New(KindTranscriptNotFound, errors.New("no such file")), true},
		{"unknown workflow", Newf(KindInvalidWorkflow, "unknown workflow %q", "x"), true},
		{"provider", Provider(ProviderPerplexity, errors.New("timeout")), false},
		{"invalid response", New(KindInvalidResponse, errors.New("bad json")), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Permanent(tt.err))
		})
	}
}
