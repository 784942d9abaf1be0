package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"ffmpeg release", "ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023 the FFmpeg developers\nbuilt with gcc 13", "6.1.1-3ubuntu5"},
		{"ffmpeg git build", "ffmpeg version N-112345-g1234567 Copyright", "N-112345-g1234567"},
		{"rclone", "rclone v1.66.0\n- os/version: ubuntu 24.04", "1.66.0"},
		{"bare number", "tool 2.4\n", "2.4"},
		{"short unknown line", "dev-build", "dev-build"},
		{"empty", "  \n", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseVersion(tt.output))
		})
	}
}

func TestToolType_String(t *testing.T) {
	assert.Equal(t, "ffmpeg", ToolFFmpeg.String())
	assert.Equal(t, "rclone", ToolRclone.String())
	assert.Equal(t, "unknown", ToolType(42).String())
}

func TestRequire_Missing(t *testing.T) {
	info, err := Require(context.Background(), ToolRclone, "vodpull-no-such-binary")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolMissing)
	assert.False(t, info.Available)
	assert.Empty(t, info.Binary)
}

func TestFindTool_NotFound(t *testing.T) {
	_, err := FindTool("vodpull-no-such-binary")
	assert.Error(t, err)
}
