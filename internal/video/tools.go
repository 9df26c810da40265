package video

import (
	"context"
	"os/exec"
	"strings"

	"refframe/internal/video/magick"
)

// ToolStatus is the availability of one decoder Open or Create relies on.
type ToolStatus struct {
	Name      string
	Available bool
	Version   string
	Path      string
	Err       error
}

// CheckTools probes the external programs and the linked ImageMagick library.
func CheckTools(ctx context.Context, opts Options) []ToolStatus {
	opts = opts.withDefaults()
	return []ToolStatus{
		checkBinary(ctx, "ffmpeg", opts.FFmpeg, "-version"),
		checkBinary(ctx, "ffprobe", opts.FFprobe, "-version"),
		{Name: "imagemagick", Available: true, Version: magick.Version(), Path: "(linked)"},
	}
}

func checkBinary(ctx context.Context, name, bin string, versionArgs ...string) ToolStatus {
	path, err := exec.LookPath(bin)
	if err != nil {
		return ToolStatus{Name: name, Err: err}
	}
	out, err := exec.CommandContext(ctx, path, versionArgs...).CombinedOutput()
	if err != nil && len(out) == 0 {
		return ToolStatus{Name: name, Path: path, Err: err}
	}
	return ToolStatus{Name: name, Available: true, Version: extractVersion(string(out)), Path: path}
}

// extractVersion picks the first line mentioning a version, else the first line.
func extractVersion(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	if len(lines) > 0 && lines[0] != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}
