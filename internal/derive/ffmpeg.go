package derive

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Watermark geometry.
const (
	OverlayWidthRatio = 0.20
	OverlayOpacity    = 0.50
	OverlayMarginPx   = 20
)

// FFmpeg runs the ffmpeg binary to composite a PNG overlay onto a video.
type FFmpeg struct {
	Path string // defaults to "ffmpeg" on PATH
}

func (f FFmpeg) binary() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

// Args builds the ffmpeg command line: the overlay is scaled to a fifth of
// the video width keeping its own aspect ratio (dar, not the video's mdar),
// made half transparent and pinned to the bottom-right corner. Audio is
// copied untouched.
func (f FFmpeg) Args(sourcePath, overlayPath, outputPath string) []string {
	filter := fmt.Sprintf(
		"[1:v][0:v]scale2ref=w=main_w*%.2f:h=ow/dar[wm0][base];"+
			"[wm0]format=rgba,colorchannelmixer=aa=%.2f[wm1];"+
			"[base][wm1]overlay=W-w-%d:H-h-%d",
		OverlayWidthRatio, OverlayOpacity, OverlayMarginPx, OverlayMarginPx,
	)
	return []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", sourcePath,
		"-i", overlayPath,
		"-filter_complex", filter,
		"-c:a", "copy",
		outputPath,
	}
}

func (f FFmpeg) Overlay(ctx context.Context, sourcePath, overlayPath, outputPath string) error {
	cmd := exec.CommandContext(ctx, f.binary(), f.Args(sourcePath, overlayPath, outputPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg == "" {
			return fmt.Errorf("ffmpeg: %w", err)
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, msg)
	}
	return nil
}
