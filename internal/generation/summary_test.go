package generation

import (
	"strings"
	"testing"

	"github.com/phrazzld/commitcast/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		raw        string
		want       *Summary
		wantErrMsg string
	}{
		{
			name: "plain json",
			raw:  `{"summary": "Adds retry support.", "change_type": "feature"}`,
			want: &Summary{Text: "Adds retry support.", ChangeType: domain.ChangeTypeFeature},
		},
		{
			name: "fenced json with alias",
			raw:  "```json\n{\"summary\": \" Fixes a nil map. \", \"change_type\": \"BugFix\"}\n```",
			want: &Summary{Text: "Fixes a nil map.", ChangeType: domain.ChangeTypeFix},
		},
		{
			name: "unknown change type",
			raw:  `{"summary": "Renames things.", "change_type": "cosmetic"}`,
			want: &Summary{Text: "Renames things.", ChangeType: domain.ChangeTypeOther},
		},
		{
			name:       "not json",
			raw:        "Here is your summary",
			wantErrMsg: "failed to parse JSON response",
		},
		{
			name:       "empty summary",
			raw:        `{"summary": "  ", "change_type": "fix"}`,
			wantErrMsg: "empty summary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSummary(tt.raw)
			if tt.wantErrMsg != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidResponse)
				assert.Contains(t, err.Error(), tt.wantErrMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTruncateDiff(t *testing.T) {
	t.Parallel()

	diff := strings.Repeat("+line\n", 10)

	got, truncated := TruncateDiff(diff, 1000)
	assert.False(t, truncated)
	assert.Equal(t, diff, got)

	got, truncated = TruncateDiff(diff, 15)
	assert.True(t, truncated)
	assert.Equal(t, "+line\n+line\n", got)

	got, truncated = TruncateDiff(diff, 0)
	assert.False(t, truncated)
	assert.Equal(t, diff, got)
}
