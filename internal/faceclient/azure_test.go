package faceclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"faceattend/internal/model"
	"faceattend/internal/retry"
)

var testImage = []byte("\xff\xd8\xff\xe0 fake jpeg bytes for provider tests")

// fastRetry records backoff delays instead of sleeping.
func fastRetry(attempts int, delays *[]time.Duration) retry.Policy {
	p := retry.Default(nil)
	p.MaxAttempts = attempts
	p.Sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// setupMockAzure serves a single-person group where person p1 belongs to S1.
func setupMockAzure(t *testing.T, overrides map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	handlers := map[string]http.HandlerFunc{
		"PUT /face/v1.0/persongroups/students": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
		"POST /face/v1.0/detect": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]string{{"faceId": "f1"}})
		},
		"POST /face/v1.0/persongroups/students/persons": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"personId": "p1"})
		},
		"POST /face/v1.0/persongroups/students/persons/p1/persistedFaces": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"persistedFaceId": "pf1"})
		},
		"POST /face/v1.0/persongroups/students/train": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		},
		"GET /face/v1.0/persongroups/students/training": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
		},
		"POST /face/v1.0/identify": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]any{{
				"faceId":     "f1",
				"candidates": []map[string]any{{"personId": "p1", "confidence": 0.873}},
			}})
		},
		"GET /face/v1.0/persongroups/students/persons/p1": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"personId": "p1",
				"name":     "Asha Rao",
				"userData": `{"studentId":"S1"}`,
			})
		},
		"DELETE /face/v1.0/persongroups/students/persons/p1": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		},
	}
	for k, v := range overrides {
		handlers[k] = v
	}

	mux := http.NewServeMux()
	for pattern, h := range handlers {
		h := h
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Ocp-Apim-Subscription-Key") != "test-key" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"code": "401", "message": "bad key"}})
				return
			}
			h(w, r)
		})
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestAzure(srv *httptest.Server, delays *[]time.Duration) *Azure {
	return NewAzure(Options{
		AzureEndpoint: srv.URL,
		AzureKey:      "test-key",
		Timeout:       2 * time.Second,
		Retry:         fastRetry(5, delays),
	})
}

func TestAzureRegister(t *testing.T) {
	var userData string
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"POST /face/v1.0/persongroups/students/persons": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			userData = body["userData"]
			writeJSON(w, http.StatusOK, map[string]string{"personId": "p1"})
		},
	})
	var delays []time.Duration
	a := newTestAzure(srv, &delays)

	res, err := a.Register(context.Background(), "S1", "Asha Rao", testImage)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !res.Success || res.ProviderToken != "p1" || !res.TrainingPending {
		t.Errorf("unexpected result %+v", res)
	}
	var ud azureUserData
	if err := json.Unmarshal([]byte(userData), &ud); err != nil || ud.StudentID != "S1" {
		t.Errorf("userData should carry the external id, got %q", userData)
	}
	if a.SyncConsistent() {
		t.Error("person group provider must report eventual consistency")
	}

	status, err := a.TrainingStatus(context.Background())
	if err != nil || status != "running" {
		t.Errorf("TrainingStatus = %q, %v", status, err)
	}
}

func TestAzureRegisterTrainFailureRemovesPerson(t *testing.T) {
	var deleted atomic.Int32
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"POST /face/v1.0/persongroups/students/train": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]string{"code": "PersonGroupTrainingNotFinished", "message": "busy"}})
		},
		"DELETE /face/v1.0/persongroups/students/persons/p1": func(w http.ResponseWriter, r *http.Request) {
			deleted.Add(1)
			w.WriteHeader(http.StatusOK)
		},
	})
	var delays []time.Duration
	res, err := newTestAzure(srv, &delays).Register(context.Background(), "S1", "Asha Rao", testImage)
	if err == nil || res.Success {
		t.Fatalf("expected train failure, got %+v %v", res, err)
	}
	if deleted.Load() != 1 {
		t.Errorf("person left behind after failed training, deletes=%d", deleted.Load())
	}
}

func TestAzureRegisterExistingGroup(t *testing.T) {
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"PUT /face/v1.0/persongroups/students": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{"error": map[string]string{"code": "PersonGroupExists", "message": "exists"}})
		},
	})
	var delays []time.Duration
	res, err := newTestAzure(srv, &delays).Register(context.Background(), "S1", "Asha Rao", testImage)
	if err != nil || !res.Success {
		t.Fatalf("existing group must not fail registration: %+v %v", res, err)
	}
}

func TestAzureRecognize(t *testing.T) {
	srv := setupMockAzure(t, nil)
	var delays []time.Duration
	res, err := newTestAzure(srv, &delays).Recognize(context.Background(), testImage)
	if err != nil {
		t.Fatalf("Recognize failed: %v", err)
	}
	want := model.RecognitionResult{
		Success:       true,
		Recognized:    true,
		ExternalID:    "S1",
		DisplayName:   "Asha Rao",
		Provider:      model.ProviderAzure,
		ProviderToken: "p1",
		Confidence:    87,
	}
	if res != want {
		t.Errorf("got %+v, want %+v", res, want)
	}
}

func TestAzureRecognizeNegativeResults(t *testing.T) {
	tests := []struct {
		name        string
		overrides   map[string]http.HandlerFunc
		wantSuccess bool
		wantReason  string
	}{
		{
			name: "no face",
			overrides: map[string]http.HandlerFunc{
				"POST /face/v1.0/detect": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusOK, []any{})
				},
			},
			wantReason: model.ReasonNoFaceDetected,
		},
		{
			name: "no candidate",
			overrides: map[string]http.HandlerFunc{
				"POST /face/v1.0/identify": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusOK, []map[string]any{{"faceId": "f1", "candidates": []any{}}})
				},
			},
			wantSuccess: true,
			wantReason:  model.ReasonNotRecognized,
		},
		{
			name: "group still training",
			overrides: map[string]http.HandlerFunc{
				"POST /face/v1.0/identify": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"code": "PersonGroupNotTrained", "message": "not trained"}})
				},
			},
			wantReason: "recognition model is still training",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := setupMockAzure(t, tt.overrides)
			var delays []time.Duration
			res, err := newTestAzure(srv, &delays).Recognize(context.Background(), testImage)
			if err != nil {
				t.Fatalf("negative results are not errors: %v", err)
			}
			if res.Success != tt.wantSuccess || res.Recognized || res.FailureReason != tt.wantReason {
				t.Errorf("unexpected result %+v", res)
			}
		})
	}
}

func TestAzureNotConfigured(t *testing.T) {
	a := NewAzure(Options{})
	if a.Configured() {
		t.Fatal("provider without credentials must not be configured")
	}
	if _, err := a.Register(context.Background(), "S1", "Asha Rao", testImage); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Register: expected ErrNotConfigured, got %v", err)
	}
	if _, err := a.Recognize(context.Background(), testImage); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Recognize: expected ErrNotConfigured, got %v", err)
	}
}

func TestAzureRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"POST /face/v1.0/detect": func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				w.Header().Set("Retry-After", "2")
				writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": map[string]string{"code": "RateLimitExceeded", "message": "slow down"}})
				return
			}
			writeJSON(w, http.StatusOK, []map[string]string{{"faceId": "f1"}})
		},
	})
	var delays []time.Duration
	res, err := newTestAzure(srv, &delays).Recognize(context.Background(), testImage)
	if err != nil || !res.Recognized {
		t.Fatalf("expected recovery after rate limit: %+v %v", res, err)
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoffs, got %v", delays)
	}
	for _, d := range delays {
		if d != 2*time.Second+500*time.Millisecond {
			t.Errorf("expected padded server hint, got %s", d)
		}
	}
}

func TestAzureRateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"POST /face/v1.0/detect": func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": map[string]string{"code": "RateLimitExceeded"}})
		},
	})
	var delays []time.Duration
	_, err := newTestAzure(srv, &delays).Recognize(context.Background(), testImage)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", calls.Load())
	}
}

func TestAzureBadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"POST /face/v1.0/detect": func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]string{"code": "InvalidImage", "message": "bad image"}})
		},
	})
	var delays []time.Duration
	_, err := newTestAzure(srv, &delays).Recognize(context.Background(), testImage)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "InvalidImage" {
		t.Fatalf("expected InvalidImage APIError, got %v", err)
	}
	if !errors.Is(err, ErrBadImage) {
		t.Errorf("InvalidImage should match ErrBadImage: %v", err)
	}
	if calls.Load() != 1 || len(delays) != 0 {
		t.Errorf("non rate limit errors must not be retried: calls=%d delays=%v", calls.Load(), delays)
	}
}

func TestAzureMalformedResponse(t *testing.T) {
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"POST /face/v1.0/detect": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `[{"faceId": "f1"`)
		},
	})
	var delays []time.Duration
	if _, err := newTestAzure(srv, &delays).Recognize(context.Background(), testImage); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestAzureCallTimeout(t *testing.T) {
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"POST /face/v1.0/detect": func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	})
	var delays []time.Duration
	a := NewAzure(Options{AzureEndpoint: srv.URL, AzureKey: "test-key", Timeout: 50 * time.Millisecond, Retry: fastRetry(3, &delays)})

	start := time.Now()
	_, err := a.Recognize(context.Background(), testImage)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("stalled call was not cut off by the per-call timeout")
	}
}

func TestAzureRemove(t *testing.T) {
	var deleted atomic.Bool
	srv := setupMockAzure(t, map[string]http.HandlerFunc{
		"DELETE /face/v1.0/persongroups/students/persons/p1": func(w http.ResponseWriter, r *http.Request) {
			deleted.Store(true)
			w.WriteHeader(http.StatusOK)
		},
	})
	var delays []time.Duration
	if err := newTestAzure(srv, &delays).Remove(context.Background(), "S1", "p1"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !deleted.Load() {
		t.Error("person was not deleted")
	}
}
