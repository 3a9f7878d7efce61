package faceclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"faceattend/internal/model"
	"faceattend/internal/retry"
)

var (
	// ErrNotConfigured is returned when the selected provider lacks credentials.
	ErrNotConfigured = errors.New("face provider not configured")
	// ErrRateLimited matches any *RateLimitError.
	ErrRateLimited = errors.New("face provider rate limited")
	// ErrMalformedResponse is returned when a provider reply cannot be decoded.
	ErrMalformedResponse = errors.New("malformed provider response")
	// ErrBadImage matches provider rejections of the submitted image itself.
	ErrBadImage = errors.New("image rejected by face provider")
	// ErrInvalidID is returned for external ids a provider cannot store.
	ErrInvalidID = errors.New("invalid external id")
)

// RateLimitError is returned when a provider asks the client to slow down.
type RateLimitError struct {
	Provider model.ProviderKind
	Code     string
	After    time.Duration
}

func (e *RateLimitError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("%s rate limited (%s), retry after %s", e.Provider, e.Code, e.After)
	}
	return fmt.Sprintf("%s rate limited (%s)", e.Provider, e.Code)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter implements retry.Hinted.
func (e *RateLimitError) RetryAfter() time.Duration { return e.After }

// APIError is a non-retryable provider failure.
type APIError struct {
	Provider model.ProviderKind
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error %d %s: %s", e.Provider, e.Status, e.Code, e.Message)
}

// badImageCodes are the provider error codes caused by the image rather than
// the request or the account.
var badImageCodes = map[string]bool{
	"InvalidImage":                   true,
	"InvalidImageSize":               true,
	"InvalidImageFormat":             true,
	"IMAGE_ERROR_UNSUPPORTED_FORMAT": true,
	"INVALID_IMAGE_SIZE":             true,
	"IMAGE_FILE_TOO_LARGE":           true,
	"INVALID_IMAGE_FACE":             true,
}

// Is matches ErrBadImage for image related rejections.
func (e *APIError) Is(target error) bool {
	return target == ErrBadImage && e.Status < 500 && badImageCodes[e.Code]
}

// Trainer is implemented by providers that train a model after registration.
type Trainer interface {
	TrainingStatus(ctx context.Context) (string, error)
}

// IsRateLimited reports whether err is a provider rate limit signal.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// Provider is the uniform face registration and recognition surface.
type Provider interface {
	Kind() model.ProviderKind
	Configured() bool
	// SyncConsistent reports whether a registration is visible to the very next
	// Recognize call. Person-group providers need a training pass first.
	SyncConsistent() bool
	Register(ctx context.Context, externalID, displayName string, image []byte) (model.RegistrationResult, error)
	Recognize(ctx context.Context, image []byte) (model.RecognitionResult, error)
	Remove(ctx context.Context, externalID, token string) error
}

// Options carries credentials and transport settings for every provider.
type Options struct {
	Timeout time.Duration
	Retry   retry.Policy
	HTTP    *http.Client

	AzureEndpoint      string
	AzureKey           string
	AzurePersonGroupID string

	FacePPBaseURL   string
	FacePPKey       string
	FacePPSecret    string
	FacePPOuterID   string
	FacePPThreshold float64

	LocalDir string
}

// New builds the provider selected by kind.
func New(kind model.ProviderKind, opts Options) (Provider, error) {
	switch kind {
	case model.ProviderAzure:
		return NewAzure(opts), nil
	case model.ProviderFacePP:
		return NewFacePP(opts), nil
	case model.ProviderLocal:
		return NewLocal(opts.LocalDir), nil
	}
	return nil, fmt.Errorf("unsupported face provider %s", kind)
}
