package observers

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/mkrenz/stackpilot/internal/core/domain"
)

// FileObserver derives the observed value from a marker file on the local
// filesystem. Three modes: existence of the file, its trimmed contents, or
// whether the contents match a regular expression.
type FileObserver struct{}

func (o *FileObserver) Type() domain.ObserverType { return domain.ObserverFile }

func (o *FileObserver) Observe(ctx context.Context, cfg domain.ObserverConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	mode := cfg.FileMode
	if mode == "" {
		mode = domain.FileModeExists
	}

	switch mode {
	case domain.FileModeExists:
		_, err := os.Stat(cfg.FilePath)
		if err != nil {
			if os.IsNotExist(err) {
				return "false", nil
			}
			return "", fmt.Errorf("stat %s: %w", cfg.FilePath, err)
		}
		return "true", nil

	case domain.FileModeContent:
		data, err := os.ReadFile(cfg.FilePath)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", cfg.FilePath, err)
		}
		return strings.TrimSpace(string(data)), nil

	case domain.FileModePattern:
		pattern, err := regexp.Compile(cfg.ContentPattern)
		if err != nil {
			return "", fmt.Errorf("compile content pattern: %w", err)
		}
		data, err := os.ReadFile(cfg.FilePath)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", cfg.FilePath, err)
		}
		if pattern.Match(data) {
			return "true", nil
		}
		return "false", nil

	default:
		return "", fmt.Errorf("unsupported file observer mode: %s", mode)
	}
}
