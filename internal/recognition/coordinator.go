package recognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"faceattend/internal/faceclient"
	"faceattend/internal/metrics"
	"faceattend/internal/model"
)

// ErrInvalidInput is returned when an external id or display name is missing.
var ErrInvalidInput = errors.New("invalid input")

// Catalog is the durable face registration store.
type Catalog interface {
	Get(id string) (model.FaceRecord, bool, error)
	FindByToken(provider model.ProviderKind, token string) (model.FaceRecord, bool, error)
	Upsert(rec model.FaceRecord) (model.FaceRecord, bool, error)
	Delete(id string) (model.FaceRecord, bool, error)
	List() ([]model.FaceRecord, error)
	Count() (int, error)
}

// ImageArchive keeps a copy of registration photos.
type ImageArchive interface {
	Archive(ctx context.Context, externalID string, image []byte) (string, error)
}

// Coordinator runs registration and recognition against the active provider
// and keeps the catalog in step with it.
type Coordinator struct {
	provider faceclient.Provider
	catalog  Catalog
	archive  ImageArchive
	now      func() time.Time
}

// NewCoordinator wires a coordinator. archive may be nil.
func NewCoordinator(provider faceclient.Provider, catalog Catalog, archive ImageArchive) *Coordinator {
	return &Coordinator{provider: provider, catalog: catalog, archive: archive, now: time.Now}
}

// Provider returns the active provider.
func (c *Coordinator) Provider() faceclient.Provider { return c.provider }

// Register enrolls a face with the provider and records it in the catalog.
func (c *Coordinator) Register(ctx context.Context, externalID, displayName string, payload []byte) (model.RegistrationResult, error) {
	kind := c.provider.Kind()
	externalID = strings.TrimSpace(externalID)
	displayName = strings.TrimSpace(displayName)
	res := model.RegistrationResult{Provider: kind, ExternalID: externalID, DisplayName: displayName}
	if externalID == "" || displayName == "" {
		return res, fmt.Errorf("%w: external id and name are required", ErrInvalidInput)
	}
	img, err := NormalizeImage(payload)
	if err != nil {
		res.FailureReason = err.Error()
		return res, err
	}

	logger := log.WithFields(log.Fields{"external_id": externalID, "provider": kind.String()})

	res, err = c.provider.Register(ctx, externalID, displayName, img)
	if err != nil {
		metrics.Registrations.WithLabelValues(kind.String(), "failed").Inc()
		logger.WithError(err).Error("face registration failed")
		return res, err
	}
	if !res.Success {
		metrics.Registrations.WithLabelValues(kind.String(), "rejected").Inc()
		logger.WithField("reason", res.FailureReason).Info("face registration rejected")
		return res, nil
	}

	prev, existed, err := c.catalog.Upsert(model.FaceRecord{
		ExternalID:    externalID,
		DisplayName:   displayName,
		Provider:      kind,
		ProviderToken: res.ProviderToken,
		RegisteredAt:  c.now().UTC(),
	})
	if err != nil {
		metrics.Registrations.WithLabelValues(kind.String(), "failed").Inc()
		if rmErr := c.provider.Remove(ctx, externalID, res.ProviderToken); rmErr != nil {
			logger.WithError(rmErr).Warn("could not roll back provider registration")
		}
		res.Success = false
		return res, fmt.Errorf("save catalog entry: %w", err)
	}
	if existed && prev.Provider == kind && prev.ProviderToken != "" && prev.ProviderToken != res.ProviderToken {
		if err := c.provider.Remove(ctx, externalID, prev.ProviderToken); err != nil {
			logger.WithError(err).Warn("superseded provider registration not removed")
		}
	}

	if c.archive != nil {
		url, err := c.archive.Archive(ctx, externalID, img)
		if err != nil {
			logger.WithError(err).Warn("registration photo not archived")
		} else {
			res.PhotoURL = url
		}
	}

	metrics.Registrations.WithLabelValues(kind.String(), "registered").Inc()
	logger.WithField("replaced", existed).Info("face registered")
	return res, nil
}

// Recognize identifies the face in payload. A provider match only counts when
// the catalog still holds the identity.
func (c *Coordinator) Recognize(ctx context.Context, payload []byte) (model.RecognitionResult, error) {
	kind := c.provider.Kind()
	img, err := NormalizeImage(payload)
	if err != nil {
		return model.RecognitionResult{Provider: kind, FailureReason: err.Error()}, err
	}

	res, err := c.provider.Recognize(ctx, img)
	if err != nil {
		metrics.Recognitions.WithLabelValues(kind.String(), "failed").Inc()
		log.WithError(err).WithField("provider", kind.String()).Error("face recognition failed")
		res.Provider = kind
		res.Success = false
		res.Recognized = false
		if res.FailureReason == "" {
			res.FailureReason = err.Error()
		}
		return res, err
	}
	if !res.Recognized {
		outcome := "unmatched"
		if !res.Success {
			outcome = "failed"
		}
		metrics.Recognitions.WithLabelValues(kind.String(), outcome).Inc()
		return res, nil
	}

	rec, ok, err := c.lookup(kind, res)
	if err != nil {
		metrics.Recognitions.WithLabelValues(kind.String(), "failed").Inc()
		return model.RecognitionResult{Provider: kind, FailureReason: err.Error()}, err
	}
	if !ok {
		metrics.Recognitions.WithLabelValues(kind.String(), "unmatched").Inc()
		log.WithFields(log.Fields{"external_id": res.ExternalID, "provider": kind.String()}).
			Warn("provider matched an identity missing from the catalog")
		return model.RecognitionResult{Success: true, Provider: kind, FailureReason: model.ReasonNotEnrolled}, nil
	}

	res.ExternalID = rec.ExternalID
	res.DisplayName = rec.DisplayName
	res.Provider = rec.Provider
	metrics.Recognitions.WithLabelValues(kind.String(), "matched").Inc()
	return res, nil
}

func (c *Coordinator) lookup(kind model.ProviderKind, res model.RecognitionResult) (model.FaceRecord, bool, error) {
	if res.ExternalID != "" {
		rec, ok, err := c.catalog.Get(res.ExternalID)
		if err != nil || (ok && rec.Provider == kind) {
			return rec, ok, err
		}
	}
	return c.catalog.FindByToken(kind, res.ProviderToken)
}

// RemoveResult describes a catalog removal.
type RemoveResult struct {
	Found           bool             `json:"found"`
	ProviderRemoved bool             `json:"provider_removed"`
	Record          model.FaceRecord `json:"-"`
}

// Remove deletes externalID from the catalog. Provider side removal is
// attempted first and only logged when it fails.
func (c *Coordinator) Remove(ctx context.Context, externalID string) (RemoveResult, error) {
	rec, ok, err := c.catalog.Get(externalID)
	if err != nil {
		return RemoveResult{}, err
	}
	if !ok {
		return RemoveResult{}, nil
	}

	out := RemoveResult{Found: true, Record: rec}
	logger := log.WithFields(log.Fields{"external_id": externalID, "provider": rec.Provider.String()})
	if rec.Provider == c.provider.Kind() {
		if err := c.provider.Remove(ctx, externalID, rec.ProviderToken); err != nil {
			logger.WithError(err).Warn("provider side removal failed, deleting catalog entry anyway")
		} else {
			out.ProviderRemoved = true
		}
	} else {
		logger.Warn("identity was registered with another provider, skipping provider side removal")
	}

	if _, _, err := c.catalog.Delete(externalID); err != nil {
		return out, err
	}
	logger.Info("face removed")
	return out, nil
}

// Status summarizes the active provider and the catalog.
type Status struct {
	Provider       string `json:"provider"`
	Configured     bool   `json:"configured"`
	SyncConsistent bool   `json:"sync_consistent"`
	CatalogSize    int    `json:"catalog_size"`
	// StaleRecords counts entries registered under a different provider.
	// They have to be registered again to be recognized.
	StaleRecords int `json:"stale_records"`
}

// Status reports provider configuration and catalog size.
func (c *Coordinator) Status() (Status, error) {
	list, err := c.catalog.List()
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Provider:       c.provider.Kind().String(),
		Configured:     c.provider.Configured(),
		SyncConsistent: c.provider.SyncConsistent(),
		CatalogSize:    len(list),
	}
	for _, rec := range list {
		if rec.Provider != c.provider.Kind() {
			st.StaleRecords++
		}
	}
	return st, nil
}

// List returns every registered identity.
func (c *Coordinator) List() ([]model.FaceRecord, error) {
	return c.catalog.List()
}

// Lookup returns the catalog record for externalID.
func (c *Coordinator) Lookup(externalID string) (model.FaceRecord, bool, error) {
	return c.catalog.Get(externalID)
}

// BulkItem is one entry of a bulk registration.
type BulkItem struct {
	ExternalID  string `json:"student_id"`
	DisplayName string `json:"name"`
	Image       string `json:"image_data"`
}

// BulkResult is the outcome for one BulkItem.
type BulkResult struct {
	ExternalID string                   `json:"student_id"`
	Result     model.RegistrationResult `json:"result"`
	Error      string                   `json:"error,omitempty"`
}

// BulkRegister registers items one after another. A failing item does not
// stop the rest, except for a cancelled context.
func (c *Coordinator) BulkRegister(ctx context.Context, items []BulkItem) []BulkResult {
	out := make([]BulkResult, 0, len(items))
	for _, it := range items {
		if ctx.Err() != nil {
			out = append(out, BulkResult{ExternalID: it.ExternalID, Error: ctx.Err().Error()})
			continue
		}
		res, err := c.Register(ctx, it.ExternalID, it.DisplayName, []byte(it.Image))
		br := BulkResult{ExternalID: it.ExternalID, Result: res}
		if err != nil {
			br.Error = err.Error()
		} else if !res.Success {
			br.Error = res.FailureReason
		}
		out = append(out, br)
	}
	return out
}
