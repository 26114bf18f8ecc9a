// Package audio provides FFmpeg-backed audio source probing and chunk
// extraction for the transcription pipeline. Chunk boundaries themselves are
// computed by the chunkplan package; this package only ever probes a source
// file's properties or extracts the byte range FFmpeg needs for one already-
// planned chunk.
package audio

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// probeOutput runs `ffmpeg -i <path> -f null -` and returns its combined
// output. FFmpeg returns a non-zero exit code even when it successfully
// reports file info, so a non-empty output is treated as usable regardless
// of the command's error.
func probeOutput(ctx context.Context, cmd commandRunner, ffmpegPath, audioPath string) (string, error) {
	args := []string{"-i", audioPath, "-f", "null", "-"}
	output, err := cmd.CombinedOutput(ctx, ffmpegPath, args)
	if len(output) == 0 {
		return "", fmt.Errorf("probing %s: %w", audioPath, err)
	}
	return string(output), nil
}

// probeDuration extracts the source's total duration from FFmpeg's probe
// output.
func probeDuration(output string) (time.Duration, error) {
	durationRe := regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+)\.(\d+)`)
	if matches := durationRe.FindStringSubmatch(output); matches != nil {
		return parseTimeComponents(matches[1], matches[2], matches[3], matches[4])
	}

	timeRe := regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)
	if allMatches := timeRe.FindAllStringSubmatch(output, -1); len(allMatches) > 0 {
		matches := allMatches[len(allMatches)-1]
		return parseTimeComponents(matches[1], matches[2], matches[3], matches[4])
	}

	return 0, fmt.Errorf("could not parse duration from ffmpeg output")
}

// probeStreamInfo extracts the sample rate (Hz) and channel count from
// FFmpeg's probe output. Missing fields fall back to sane defaults for
// speech audio (16kHz mono) rather than failing the probe outright, since
// the pipeline re-encodes every chunk to a fixed format anyway.
func probeStreamInfo(output string) (sampleRateHz int, channels int) {
	sampleRateHz, channels = 16000, 1

	streamRe := regexp.MustCompile(`Audio:.*?(\d+)\s*Hz,\s*(\w+)`)
	matches := streamRe.FindStringSubmatch(output)
	if matches == nil {
		return sampleRateHz, channels
	}
	if hz, err := strconv.Atoi(matches[1]); err == nil {
		sampleRateHz = hz
	}
	switch matches[2] {
	case "mono":
		channels = 1
	case "stereo":
		channels = 2
	}
	return sampleRateHz, channels
}

// parseTimeComponents converts HH:MM:SS.ms strings to a Duration.
func parseTimeComponents(hours, minutes, seconds, fractional string) (time.Duration, error) {
	h, _ := strconv.Atoi(hours)
	m, _ := strconv.Atoi(minutes)
	s, _ := strconv.Atoi(seconds)

	frac, _ := strconv.Atoi(fractional)
	ms := frac
	switch n := len(fractional); {
	case n == 1:
		ms = frac * 100
	case n == 2:
		ms = frac * 10
	case n == 3:
	case n > 3:
		for i := n; i > 3; i-- {
			ms /= 10
		}
	}

	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(ms)*time.Millisecond, nil
}

// formatFFmpegTime formats a duration for FFmpeg -ss/-to arguments.
func formatFFmpegTime(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := d.Seconds() - float64(h*3600+m*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", h, m, s)
}

// chunkEncodingArgs returns FFmpeg encoding arguments for chunk extraction.
// Re-encodes to OGG Vorbis (16kHz mono) so engines always receive a uniform
// format regardless of the source's original encoding.
func chunkEncodingArgs() []string {
	return []string{
		"-c:a", "libvorbis",
		"-ar", "16000",
		"-ac", "1",
		"-q:a", "2",
	}
}

// extractSegment extracts [start, end) from audioPath into chunkPath.
func extractSegment(ctx context.Context, cmd commandRunner, ffmpegPath, audioPath, chunkPath string, start, end time.Duration) error {
	args := []string{
		"-y",
		"-i", audioPath,
		"-ss", formatFFmpegTime(start),
		"-to", formatFFmpegTime(end),
	}
	args = append(args, chunkEncodingArgs()...)
	args = append(args, chunkPath)

	output, err := cmd.CombinedOutput(ctx, ffmpegPath, args)
	if err != nil {
		return fmt.Errorf("%w: failed to extract chunk %s: %v\nOutput: %s",
			ErrChunkingFailed, chunkPath, err, string(output))
	}
	return nil
}
