// Package transcribe converts audio attachments to text.
package transcribe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/numroute/numroute/internal/config"
)

// Transcriber converts an audio file to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filePath string) (string, error)
}

// LocalWhisper runs a local Whisper binary against an audio file.
type LocalWhisper struct {
	config config.TranscribeConfig
}

// NewLocalWhisper creates a local Whisper transcriber.
func NewLocalWhisper(cfg config.TranscribeConfig) *LocalWhisper {
	return &LocalWhisper{config: cfg}
}

// Transcribe shells out to the Whisper CLI and reads the txt output.
func (w *LocalWhisper) Transcribe(ctx context.Context, filePath string) (string, error) {
	if !w.config.Enabled {
		return "", fmt.Errorf("transcription disabled")
	}

	tmpDir, err := os.MkdirTemp("", "whisper-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	args := []string{
		filePath,
		"--model", w.config.Model,
		"--output_dir", tmpDir,
		"--output_format", "txt",
		"--verbose", "False",
	}
	if w.config.Language != "" {
		args = append(args, "--language", w.config.Language)
	}

	cmd := exec.CommandContext(ctx, w.config.BinaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("whisper command failed: %w (output: %s)", err, string(output))
	}

	base := filepath.Base(filePath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	txtData, err := os.ReadFile(filepath.Join(tmpDir, name+".txt"))
	if err != nil {
		return "", fmt.Errorf("read transcription output: %w", err)
	}
	return strings.TrimSpace(string(txtData)), nil
}
