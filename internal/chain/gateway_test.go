package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseAbortCode 测试中止码提取
func TestParseAbortCode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  *int64
	}{
		{
			name:  "already settled",
			input: `MoveAbort(MoveLocation { module: ModuleId { address: 9fd3c…, name: Identifier("settlement") }, function: 1, instruction: 30, function_name: Some("settle_verification") }, 3) in command 0`,
			want:  ptr(3),
		},
		{
			name:  "insufficient funds",
			input: `MoveAbort(MoveLocation { module: ModuleId { address: 9fd3c…, name: Identifier("settlement") }, function: 1, instruction: 12, function_name: Some("settle_verification") }, 2) in command 0`,
			want:  ptr(2),
		},
		{
			name:  "large code",
			input: `MoveAbort(MoveLocation { ... }, 4018) in command 1`,
			want:  ptr(4018),
		},
		{
			name:  "not an abort",
			input: "InsufficientGas",
			want:  nil,
		},
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseAbortCode(tt.input)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, *tt.want, *got)
		})
	}
}

// TestNewGateway_Validation 测试网关构造参数校验
func TestNewGateway_Validation(t *testing.T) {
	_, err := NewGateway(&Config{})
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = NewGateway(&Config{Mnemonic: "word word word"})
	assert.ErrorIs(t, err, ErrMissingObjectID)
}

func ptr(v int64) *int64 {
	return &v
}
