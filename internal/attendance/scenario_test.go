package attendance_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"faceattend/internal/attendance"
	"faceattend/internal/faceclient"
	"faceattend/internal/facestore"
	"faceattend/internal/model"
	"faceattend/internal/recognition"
)

var portrait = append([]byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00"), make([]byte, 256)...)

// matchingProvider enrolls anyone and recognizes every image as the last
// enrolled identity.
type matchingProvider struct {
	id, name string
}

func (p *matchingProvider) Kind() model.ProviderKind { return model.ProviderFacePP }
func (p *matchingProvider) Configured() bool         { return true }
func (p *matchingProvider) SyncConsistent() bool     { return true }

func (p *matchingProvider) Register(_ context.Context, id, name string, _ []byte) (model.RegistrationResult, error) {
	p.id, p.name = id, name
	return model.RegistrationResult{Success: true, ExternalID: id, DisplayName: name, Provider: p.Kind(), ProviderToken: "tok-" + id}, nil
}

func (p *matchingProvider) Recognize(context.Context, []byte) (model.RecognitionResult, error) {
	return model.RecognitionResult{Success: true, Recognized: true, ExternalID: p.id, DisplayName: p.name, Provider: p.Kind(), ProviderToken: "tok-" + p.id, Confidence: 92}, nil
}

func (p *matchingProvider) Remove(context.Context, string, string) error { return nil }

var _ faceclient.Provider = (*matchingProvider)(nil)

func TestEnrollRecognizeMarkScenario(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()

	catalog := facestore.NewCatalog(filepath.Join(dir, "faces.json"), clock)
	events := facestore.NewDailyLog(filepath.Join(dir, "attendance"))
	marker := attendance.NewMarker(events, attendance.DefaultCutoff, time.UTC, clock)

	// Local mode enrolls but cannot identify.
	local := recognition.NewCoordinator(faceclient.NewLocal(filepath.Join(dir, "faces")), catalog, nil)
	reg, err := local.Register(ctx, "S1", "Asha Rao", portrait)
	if err != nil || !reg.Success {
		t.Fatalf("local register: %+v %v", reg, err)
	}
	if n, _ := catalog.Count(); n != 1 {
		t.Fatalf("catalog size %d, want 1", n)
	}
	res, err := local.Recognize(ctx, portrait)
	if err != nil {
		t.Fatalf("local recognize: %v", err)
	}
	if !res.Success || res.Recognized {
		t.Fatalf("local recognize should succeed without a match: %+v", res)
	}
	if _, err := marker.Mark(ctx, res); err == nil {
		t.Fatal("unmatched result must not be markable")
	}

	// A matching provider enrolls the same student and identifies them.
	remote := recognition.NewCoordinator(&matchingProvider{}, catalog, nil)
	if reg, err := remote.Register(ctx, "S1", "Asha Rao", portrait); err != nil || !reg.Success {
		t.Fatalf("remote register: %+v %v", reg, err)
	}
	if n, _ := catalog.Count(); n != 1 {
		t.Fatalf("re-registration should replace, catalog size %d", n)
	}

	res, err = remote.Recognize(ctx, portrait)
	if err != nil || !res.Recognized || res.ExternalID != "S1" || res.DisplayName != "Asha Rao" {
		t.Fatalf("remote recognize: %+v %v", res, err)
	}
	first, err := marker.Mark(ctx, res)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if first.AlreadyMarked || first.Event.Status != model.StatusPresent || first.Event.Date != "2026-03-02" {
		t.Fatalf("unexpected first mark %+v", first)
	}

	now = time.Date(2026, 3, 2, 9, 45, 0, 0, time.UTC)
	res, _ = remote.Recognize(ctx, portrait)
	second, err := marker.Mark(ctx, res)
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if !second.AlreadyMarked {
		t.Fatal("second mark should report already marked")
	}
	if second.Event.Status != model.StatusPresent || second.Event.Time.Format("15:04") != "09:15" {
		t.Fatalf("second mark changed the first event: %+v", second.Event)
	}
}
