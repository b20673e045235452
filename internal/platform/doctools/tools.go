package doctools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fraterny/quest-backend/internal/platform/ctxutil"
	"github.com/fraterny/quest-backend/internal/platform/envutil"
	"github.com/fraterny/quest-backend/internal/platform/logger"
)

// MinValidPDFBytes guards against truncated renderer output. Anything
// smaller is treated as a corrupt artifact and the attempt fails.
const MinValidPDFBytes = 1024

// Service shells out to the node renderer and ghostscript to turn the
// premium report context into a compressed PDF.
type Service interface {
	RenderPDF(ctx context.Context, contextJSON []byte) (string, error)
	CompressPDF(ctx context.Context, inputPath string) (string, error)
	Cleanup(paths ...string)
}

type Config struct {
	NodeBinary    string
	RenderScript  string
	GSBinary      string
	WorkDir       string
	RenderTimeout time.Duration
}

func ConfigFromEnv() Config {
	renderTimeout := envutil.DurationSeconds("RENDER_TIMEOUT_SECONDS", 120*time.Second)

	return Config{
		NodeBinary:    envutil.String("NODE_BINARY", "node"),
		RenderScript:  strings.TrimSpace(os.Getenv("RENDER_SCRIPT_PATH")),
		GSBinary:      envutil.String("GS_BINARY", "gs"),
		WorkDir:       envutil.String("ARTIFACT_WORK_DIR", os.TempDir()),
		RenderTimeout: renderTimeout,
	}
}

func NewFromEnv(log *logger.Logger) (Service, error) {
	return New(log, ConfigFromEnv())
}

func New(log *logger.Logger, cfg Config) (Service, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if cfg.RenderScript == "" {
		return nil, fmt.Errorf("missing RENDER_SCRIPT_PATH")
	}
	if cfg.NodeBinary == "" {
		cfg.NodeBinary = "node"
	}
	if cfg.GSBinary == "" {
		cfg.GSBinary = "gs"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = 120 * time.Second
	}

	return &service{
		log: log.With("service", "DocToolsService"),
		cfg: cfg,
	}, nil
}

type service struct {
	log *logger.Logger
	cfg Config
}

// RenderPDF writes the report context to a temp file, runs the node
// renderer against it, and returns the rendered PDF path. The renderer
// is killed at the configured timeout.
func (s *service) RenderPDF(ctx context.Context, contextJSON []byte) (string, error) {
	if s == nil {
		return "", fmt.Errorf("doctools service unavailable")
	}
	if len(contextJSON) == 0 {
		return "", fmt.Errorf("doctools: empty report context")
	}

	contextPath, err := s.writeTempFile("report-context-*.json", contextJSON)
	if err != nil {
		return "", err
	}
	defer os.Remove(contextPath)

	outputPath := filepath.Join(s.cfg.WorkDir, fmt.Sprintf("report-%d.pdf", time.Now().UnixNano()))

	runCtx, cancel := context.WithTimeout(ctxutil.Default(ctx), s.cfg.RenderTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, s.cfg.NodeBinary, s.cfg.RenderScript, contextPath, outputPath)
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Run(); err != nil {
		s.Cleanup(outputPath)
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("doctools: render timed out after %s", s.cfg.RenderTimeout)
		}
		return "", fmt.Errorf("doctools: render failed: %w (stderr: %s)", err, truncate(stderr.String(), 2000))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return "", fmt.Errorf("doctools: rendered pdf missing: %w", err)
	}
	if info.Size() < MinValidPDFBytes {
		s.Cleanup(outputPath)
		return "", fmt.Errorf("doctools: rendered pdf is %d bytes, likely corrupt", info.Size())
	}

	s.log.Info("Rendered PDF", "path", outputPath, "bytes", info.Size(), "duration", time.Since(started).String())
	return outputPath, nil
}

// CompressPDF runs ghostscript over the rendered PDF. If compression
// fails or produces a suspiciously small file, the original is kept.
func (s *service) CompressPDF(ctx context.Context, inputPath string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("doctools service unavailable")
	}

	outputPath := strings.TrimSuffix(inputPath, ".pdf") + "-compressed.pdf"

	runCtx, cancel := context.WithTimeout(ctxutil.Default(ctx), 60*time.Second)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, s.cfg.GSBinary,
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dPDFSETTINGS=/ebook",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-sOutputFile="+outputPath,
		inputPath,
	)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		s.Cleanup(outputPath)
		s.log.Warn("PDF compression failed, keeping original", "error", err.Error(), "stderr", truncate(stderr.String(), 2000))
		return inputPath, nil
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() < MinValidPDFBytes {
		s.Cleanup(outputPath)
		s.log.Warn("Compressed PDF unusable, keeping original", "path", outputPath)
		return inputPath, nil
	}

	s.Cleanup(inputPath)
	return outputPath, nil
}

func (s *service) Cleanup(paths ...string) {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.log.Warn("Failed to remove temp file", "path", p, "error", err.Error())
		}
	}
}

func (s *service) writeTempFile(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(s.cfg.WorkDir, pattern)
	if err != nil {
		return "", fmt.Errorf("doctools: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("doctools: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("doctools: close temp file: %w", err)
	}
	return f.Name(), nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
