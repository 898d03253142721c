package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	validObjectID = "0x3584c0bd1742675eb9bfb1df554b8b0fe3e1d6f441a9b3e4bb6639cdbbecd2f1"
	validDigest   = "BHKjhBHFyvZZPjpSxLCR5MqHCjKxHPJvqxKQHKjV9H9V"
)

// TestIsObjectID 测试对象 ID 格式校验
func TestIsObjectID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid lowercase", validObjectID, true},
		{"valid uppercase hex", "0x" + strings.ToUpper(validObjectID[2:]), true},
		{"empty", "", false},
		{"missing prefix", validObjectID[2:], false},
		{"too short", "0x" + strings.Repeat("a", 63), false},
		{"too long", "0x" + strings.Repeat("a", 65), false},
		{"non hex char", "0x" + strings.Repeat("a", 63) + "g", false},
		{"prefix only", "0x", false},
		{"whitespace", " " + validObjectID, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsObjectID(tt.input))
		})
	}
}

// TestIsAddress 测试地址与对象 ID 共用同一形状
func TestIsAddress(t *testing.T) {
	assert.True(t, IsAddress(validObjectID))
	assert.False(t, IsAddress("0xdeadbeef"))

	// 两个校验器必须对任意输入一致
	inputs := []string{validObjectID, "", "0x", validDigest, "not-an-id"}
	for _, in := range inputs {
		assert.Equal(t, IsObjectID(in), IsAddress(in), "input: %s", in)
	}
}

// TestIsTransactionDigest 测试交易摘要格式校验
func TestIsTransactionDigest(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"valid 44 chars", validDigest, true},
		{"valid 43 chars", validDigest[:43], true},
		{"empty", "", false},
		{"too short", validDigest[:42], false},
		{"too long", validDigest + "x", false},
		{"contains zero", "0" + validDigest[1:], false},
		{"contains O", "O" + validDigest[1:], false},
		{"contains I", "I" + validDigest[1:], false},
		{"contains l", "l" + validDigest[1:], false},
		{"hex id not a digest", validObjectID, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransactionDigest(tt.input))
		})
	}
}
