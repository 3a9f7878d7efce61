package faceclient

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"faceattend/internal/model"
)

func TestLocalRegisterRecognizeRemove(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)
	ctx := context.Background()

	res, err := l.Register(ctx, "S1", "Asha Rao", testImage)
	if err != nil || !res.Success {
		t.Fatalf("Register: %+v %v", res, err)
	}
	if res.ProviderToken != "" {
		t.Errorf("local token must be empty, got %q", res.ProviderToken)
	}
	stored, err := os.ReadFile(filepath.Join(dir, "S1.jpg"))
	if err != nil || !bytes.Equal(stored, testImage) {
		t.Fatalf("image not stored: %v", err)
	}

	rec, err := l.Recognize(ctx, testImage)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if !rec.Success || rec.Recognized || rec.FailureReason != model.ReasonLocalOnly {
		t.Errorf("local provider must never match: %+v", rec)
	}

	if err := l.Remove(ctx, "S1", ""); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "S1.jpg")); !os.IsNotExist(err) {
		t.Errorf("image should be gone, stat err = %v", err)
	}
	if err := l.Remove(ctx, "S1", ""); err != nil {
		t.Errorf("removing twice should be a no-op: %v", err)
	}
}

func TestLocalRejectsPathLikeIDs(t *testing.T) {
	l := NewLocal(t.TempDir())
	for _, id := range []string{"../S1", "a/b", "..", ""} {
		if _, err := l.Register(context.Background(), id, "x", testImage); !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID for id %q, got %v", id, err)
		}
	}
}

func TestNewSelectsProvider(t *testing.T) {
	for _, kind := range []model.ProviderKind{model.ProviderLocal, model.ProviderAzure, model.ProviderFacePP} {
		p, err := New(kind, Options{})
		if err != nil {
			t.Fatalf("New(%s): %v", kind, err)
		}
		if p.Kind() != kind {
			t.Errorf("New(%s) built %s", kind, p.Kind())
		}
	}
	if _, err := New(model.ProviderKind(42), Options{}); err == nil {
		t.Error("expected error for unknown provider kind")
	}
}
