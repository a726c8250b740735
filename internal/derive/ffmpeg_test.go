package derive

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFFmpegArgs(t *testing.T) {
	args := FFmpeg{}.Args("in.mp4", "wm.png", "out.mp4")

	require.Equal(t, "out.mp4", args[len(args)-1])
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-i in.mp4 -i wm.png")
	assert.Contains(t, joined, "-c:a copy")

	var filter string
	for i, a := range args {
		if a == "-filter_complex" {
			filter = args[i+1]
		}
	}
	assert.Contains(t, filter, "scale2ref=w=main_w*0.20:h=ow/dar[wm0][base]")
	assert.NotContains(t, filter, "mdar", "overlay must keep its own aspect ratio")
	assert.Contains(t, filter, "colorchannelmixer=aa=0.50")
	assert.Contains(t, filter, "overlay=W-w-20:H-h-20")
}

func TestFFmpegDefaultBinary(t *testing.T) {
	assert.Equal(t, "ffmpeg", FFmpeg{}.binary())
	assert.Equal(t, "/opt/ffmpeg", FFmpeg{Path: "/opt/ffmpeg"}.binary())
}

func TestFFmpegReportsExecFailure(t *testing.T) {
	err := FFmpeg{Path: "/nonexistent/ffmpeg"}.Overlay(context.Background(), "a", "b", "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg")
}
