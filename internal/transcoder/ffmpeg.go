package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/vidgallery/api/internal/model"
)

// Regex to catch "time=00:00:15.45"
var reTime = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}(?:\.\d+)?)`)

const stderrTailLines = 8

type FFmpegEngine struct {
	binPath   string
	probePath string
}

func NewFFmpegEngine(binPath, probePath string) *FFmpegEngine {
	return &FFmpegEngine{binPath: binPath, probePath: probePath}
}

type probeOutput struct {
	Format struct {
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
		FormatName string `json:"format_name"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// Probe uses ffprobe to read duration, resolution and codecs
func (e *FFmpegEngine) Probe(ctx context.Context, input string) (*model.MediaInfo, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration,bit_rate,format_name:stream=codec_type,codec_name,width,height",
		"-of", "json",
		input,
	}
	output, err := exec.CommandContext(ctx, e.probePath, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var res probeOutput
	if err := json.Unmarshal(output, &res); err != nil {
		return nil, fmt.Errorf("failed to decode ffprobe output: %w", err)
	}

	info := &model.MediaInfo{FormatName: res.Format.FormatName}
	info.DurationSec, _ = strconv.ParseFloat(res.Format.Duration, 64)
	info.BitRate, _ = strconv.ParseInt(res.Format.BitRate, 10, 64)
	for _, s := range res.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = s.CodecName
				info.Width = s.Width
				info.Height = s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = s.CodecName
			}
		}
	}
	return info, nil
}

func (e *FFmpegEngine) Transcode(ctx context.Context, input string, profile model.Profile, output string, onProgress func(float64)) error {
	var duration float64
	if info, err := e.Probe(ctx, input); err == nil {
		duration = info.DurationSec
	}

	args := []string{
		"-y",
		"-hide_banner",
		"-i", input,
		// "scale=-2:720" keeps aspect ratio with an even width
		"-vf", fmt.Sprintf("scale=-2:%d", profile.Height),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-b:v", profile.VideoBitrate,
		"-c:a", "aac",
		"-b:a", profile.AudioBitrate,
		"-movflags", "+faststart",
		output,
	}
	if err := e.run(ctx, args, duration, onProgress); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(1)
	}
	return nil
}

func (e *FFmpegEngine) Thumbnail(ctx context.Context, input, output string) error {
	args := []string{
		"-y",
		"-hide_banner",
		"-i", input,
		"-vf", "thumbnail,scale=-2:360",
		"-frames:v", "1",
		"-q:v", "3",
		output,
	}
	return e.run(ctx, args, 0, nil)
}

func (e *FFmpegEngine) ShortPreview(ctx context.Context, input, output string, seconds int) error {
	args := []string{
		"-y",
		"-hide_banner",
		"-t", strconv.Itoa(seconds),
		"-i", input,
		"-vf", "fps=10,scale=320:-2:flags=lanczos",
		"-loop", "0",
		output,
	}
	return e.run(ctx, args, 0, nil)
}

// run executes ffmpeg, forwarding time= progress lines when the duration is
// known, and returns the tail of stderr on failure.
func (e *FFmpegEngine) run(ctx context.Context, args []string, duration float64, onProgress func(float64)) error {
	cmd := exec.CommandContext(ctx, e.binPath, args...)
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	var tail []string
	scanner := bufio.NewScanner(stderrPipe)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := scanner.Text()
		if len(tail) == stderrTailLines {
			tail = tail[1:]
		}
		tail = append(tail, line)

		if onProgress == nil || duration <= 0 {
			continue
		}
		if pct, ok := parseProgress(line, duration); ok {
			onProgress(pct)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.Join(tail, " | "))
	}
	return nil
}

func parseProgress(line string, duration float64) (float64, bool) {
	m := reTime.FindStringSubmatch(line)
	if len(m) != 4 {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	s, _ := strconv.ParseFloat(m[3], 64)
	frac := (float64(h*3600+mins*60) + s) / duration
	if frac > 1 {
		frac = 1
	}
	return frac, true
}

// scanLinesOrCR splits on \n or \r; ffmpeg rewrites its status line with \r.
func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
