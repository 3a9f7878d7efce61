package faceclient

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"

	"faceattend/internal/model"
)

// Local keeps registration images on disk and never matches faces. It lets
// enrollment run without cloud credentials.
type Local struct {
	dir string
}

// NewLocal stores images below dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

func (l *Local) Kind() model.ProviderKind { return model.ProviderLocal }

func (l *Local) Configured() bool { return true }

func (l *Local) SyncConsistent() bool { return true }

func (l *Local) imagePath(externalID string) (string, error) {
	if externalID == "" || externalID == "." || externalID == ".." || strings.ContainsAny(externalID, `/\`) {
		return "", fmt.Errorf("%w: %q cannot be used as a file name", ErrInvalidID, externalID)
	}
	return filepath.Join(l.dir, externalID+".jpg"), nil
}

// Register stores the image. The provider token is always empty.
func (l *Local) Register(_ context.Context, externalID, displayName string, image []byte) (model.RegistrationResult, error) {
	res := model.RegistrationResult{Provider: model.ProviderLocal, ExternalID: externalID, DisplayName: displayName}
	if l.dir == "" {
		res.Success = true
		return res, nil
	}
	p, err := l.imagePath(externalID)
	if err != nil {
		return res, err
	}
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return res, fmt.Errorf("local store: %w", err)
	}
	if err := renameio.WriteFile(p, image, 0o640); err != nil {
		return res, fmt.Errorf("local store: write image: %w", err)
	}
	res.Success = true
	return res, nil
}

// Recognize reports a completed attempt without a match.
func (l *Local) Recognize(context.Context, []byte) (model.RecognitionResult, error) {
	// Reported as a successful attempt, unlike a provider failure; FailureReason
	// tells callers no identification was tried.
	return model.RecognitionResult{
		Success:       true,
		Provider:      model.ProviderLocal,
		FailureReason: model.ReasonLocalOnly,
	}, nil
}

// Remove deletes the stored image for externalID.
func (l *Local) Remove(_ context.Context, externalID, _ string) error {
	if l.dir == "" {
		return nil
	}
	p, err := l.imagePath(externalID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("local store: remove image: %w", err)
	}
	return nil
}
