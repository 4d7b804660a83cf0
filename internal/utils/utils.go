package utils

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr
// (ffmpeg diagnostics, detector engine logs) so a crash never loses its cause.
type SafeCommand struct {
	*exec.Cmd
	Stderr *SyncBuffer
}

// NewSafeCommand initializes a command bound to ctx and attaches a buffer to its Stderr.
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &SyncBuffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// SyncBuffer is a bytes.Buffer safe to write from the exec copier goroutine
// while another goroutine reads it.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Keep only the tail; ffmpeg can be chatty on long videos
	if b.buf.Len() > 64*1024 {
		tail := append([]byte(nil), b.buf.Bytes()[b.buf.Len()-16*1024:]...)
		b.buf.Reset()
		b.buf.Write(tail)
	}
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *SyncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// LastLine returns the last non-empty line written so far.
func (b *SyncBuffer) LastLine() string {
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// ShowError prints a formatted error box and dumps process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 FACESHIELD ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Video Engine ---

// VideoInfo is the subset of ffprobe stream data the pipeline needs.
type VideoInfo struct {
	FPS         float64
	TotalFrames int
	Width       int
	Height      int
}

type ffprobeOutput struct {
	Streams []struct {
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
}

// ProbeVideo uses ffprobe to read fps, frame count and dimensions of the first video stream.
// A file without a decodable video stream yields a zero VideoInfo and no error.
func ProbeVideo(ctx context.Context, ffprobe, path string) (VideoInfo, error) {
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	if _, err := exec.LookPath(ffprobe); err != nil {
		return VideoInfo{}, fmt.Errorf("%s not found in PATH: %w", ffprobe, err)
	}

	// 1. Fast Path: Container Metadata
	// This is instant but might return "N/A" for nb_frames on some containers.
	out, err := exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames", "-of", "json", path).Output()
	if err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe failed: %w", err)
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return VideoInfo{}, nil
	}

	s := res.Streams[0]
	info := VideoInfo{Width: s.Width, Height: s.Height}
	info.FPS = ParseFrameRate(s.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = ParseFrameRate(s.RFrameRate)
	}
	if count, err := strconv.Atoi(s.NbFrames); err == nil && count > 0 {
		info.TotalFrames = count
		return info, nil
	}

	// 2. Slow Path: Count Packets (Fallback)
	fmt.Fprintf(os.Stderr, "⏳ Metadata missing. Counting frames (this may take a moment)...\n")
	out, err = exec.CommandContext(ctx, ffprobe, "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path).Output()
	if err != nil {
		return info, fmt.Errorf("ffprobe packet count failed: %w", err)
	}
	res = ffprobeOutput{}
	if err := json.Unmarshal(out, &res); err != nil {
		return info, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) > 0 {
		info.TotalFrames, _ = strconv.Atoi(res.Streams[0].NbReadPackets)
	}
	return info, nil
}

// ParseFrameRate turns ffprobe rationals like "30000/1001" into a float.
func ParseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// GenerateVideoID creates a deterministic hash for the video file
// based on its path, size, and modification time.
func GenerateVideoID(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	input := fmt.Sprintf("%s-%d-%d", path, info.Size(), info.ModTime().UnixNano())
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:]), nil
}
