package faceclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"faceattend/internal/model"
)

const (
	azureConfidenceThreshold = 0.5
	azureRecognitionModel    = "recognition_04"
	azureDetectionModel      = "detection_03"
)

// Azure talks to a person-group face API. New persons only become
// recognizable after the group has been retrained.
type Azure struct {
	endpoint string
	key      string
	groupID  string
	t        *transport

	mu         sync.Mutex
	groupReady bool
}

// NewAzure creates the person-group provider.
func NewAzure(opts Options) *Azure {
	a := &Azure{
		endpoint: strings.TrimRight(opts.AzureEndpoint, "/"),
		key:      opts.AzureKey,
		groupID:  opts.AzurePersonGroupID,
	}
	if a.groupID == "" {
		a.groupID = "students"
	}
	a.t = newTransport(model.ProviderAzure, opts, func(r *http.Request) {
		r.Header.Set("Ocp-Apim-Subscription-Key", a.key)
	}, classifyAzure)
	return a
}

func (a *Azure) Kind() model.ProviderKind { return model.ProviderAzure }

func (a *Azure) Configured() bool { return a.endpoint != "" && a.key != "" }

func (a *Azure) SyncConsistent() bool { return false }

var _ Trainer = (*Azure)(nil)

type azureErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func classifyAzure(status int, header http.Header, body []byte) error {
	if status < 300 {
		return nil
	}
	var eb azureErrorBody
	_ = json.Unmarshal(body, &eb)
	if status == http.StatusTooManyRequests || eb.Error.Code == "RateLimitExceeded" {
		return &RateLimitError{
			Provider: model.ProviderAzure,
			Code:     "RateLimitExceeded",
			After:    parseRetryAfter(header.Get("Retry-After"), time.Now()),
		}
	}
	code := eb.Error.Code
	msg := eb.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	return &APIError{Provider: model.ProviderAzure, Status: status, Code: code, Message: msg}
}

func (a *Azure) url(path string, q url.Values) string {
	u := a.endpoint + "/face/v1.0/" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (a *Azure) jsonRequest(op, method, path string, payload any) (apiRequest, error) {
	req := apiRequest{op: op, method: method, url: a.url(path, nil)}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return apiRequest{}, err
		}
		req.body = b
		req.contentType = "application/json"
	}
	return req, nil
}

// ensureGroup creates the person group once per process. An existing group is fine.
func (a *Azure) ensureGroup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.groupReady {
		return nil
	}
	req, err := a.jsonRequest("create_group", http.MethodPut, "persongroups/"+url.PathEscape(a.groupID), map[string]string{
		"name":             "Students",
		"recognitionModel": azureRecognitionModel,
	})
	if err != nil {
		return err
	}
	err = a.t.call(ctx, req, nil)
	if err != nil && !isAPIError(err, "PersonGroupExists") && apiStatus(err) != http.StatusConflict {
		return fmt.Errorf("ensure person group: %w", err)
	}
	a.groupReady = true
	return nil
}

type azureFace struct {
	FaceID string `json:"faceId"`
}

func (a *Azure) detect(ctx context.Context, image []byte) ([]azureFace, error) {
	q := url.Values{}
	q.Set("returnFaceId", "true")
	q.Set("recognitionModel", azureRecognitionModel)
	q.Set("detectionModel", azureDetectionModel)
	var faces []azureFace
	err := a.t.call(ctx, apiRequest{
		op:          "detect",
		method:      http.MethodPost,
		url:         a.url("detect", q),
		contentType: "application/octet-stream",
		body:        image,
	}, &faces)
	return faces, err
}

type azureUserData struct {
	StudentID    string `json:"studentId"`
	RegisteredAt string `json:"registeredAt,omitempty"`
}

// Register creates a person carrying the external id, attaches the face and
// starts a training run. The person id is the provider token.
func (a *Azure) Register(ctx context.Context, externalID, displayName string, image []byte) (model.RegistrationResult, error) {
	res := model.RegistrationResult{Provider: model.ProviderAzure, ExternalID: externalID, DisplayName: displayName}
	if !a.Configured() {
		return res, ErrNotConfigured
	}
	if err := a.ensureGroup(ctx); err != nil {
		return res, err
	}

	faces, err := a.detect(ctx, image)
	if err != nil {
		return res, err
	}
	if len(faces) == 0 {
		res.FailureReason = model.ReasonNoFaceDetected
		return res, nil
	}

	userData, _ := json.Marshal(azureUserData{StudentID: externalID, RegisteredAt: time.Now().UTC().Format(time.RFC3339)})
	req, err := a.jsonRequest("create_person", http.MethodPost, "persongroups/"+url.PathEscape(a.groupID)+"/persons", map[string]string{
		"name":     displayName,
		"userData": string(userData),
	})
	if err != nil {
		return res, err
	}
	var person struct {
		PersonID string `json:"personId"`
	}
	if err := a.t.call(ctx, req, &person); err != nil {
		return res, fmt.Errorf("create person: %w", err)
	}
	if person.PersonID == "" {
		return res, fmt.Errorf("%w: create person returned no personId", ErrMalformedResponse)
	}

	q := url.Values{}
	q.Set("detectionModel", azureDetectionModel)
	var added struct {
		PersistedFaceID string `json:"persistedFaceId"`
	}
	err = a.t.call(ctx, apiRequest{
		op:          "add_face",
		method:      http.MethodPost,
		url:         a.url("persongroups/"+url.PathEscape(a.groupID)+"/persons/"+url.PathEscape(person.PersonID)+"/persistedFaces", q),
		contentType: "application/octet-stream",
		body:        image,
	}, &added)
	if err != nil {
		if rmErr := a.Remove(ctx, externalID, person.PersonID); rmErr != nil {
			log.WithError(rmErr).WithField("person_id", person.PersonID).Warn("cleanup of half-registered person failed")
		}
		return res, fmt.Errorf("add face: %w", err)
	}

	if err := a.train(ctx); err != nil {
		if rmErr := a.Remove(ctx, externalID, person.PersonID); rmErr != nil {
			log.WithError(rmErr).WithField("person_id", person.PersonID).Warn("cleanup of untrained person failed")
		}
		return res, err
	}

	res.Success = true
	res.ProviderToken = person.PersonID
	res.TrainingPending = true
	return res, nil
}

func (a *Azure) train(ctx context.Context) error {
	req, _ := a.jsonRequest("train", http.MethodPost, "persongroups/"+url.PathEscape(a.groupID)+"/train", nil)
	if err := a.t.call(ctx, req, nil); err != nil {
		return fmt.Errorf("train person group: %w", err)
	}
	return nil
}

// TrainingStatus returns the state of the latest training run
// ("notstarted", "running", "succeeded" or "failed").
func (a *Azure) TrainingStatus(ctx context.Context) (string, error) {
	if !a.Configured() {
		return "", ErrNotConfigured
	}
	req, _ := a.jsonRequest("training_status", http.MethodGet, "persongroups/"+url.PathEscape(a.groupID)+"/training", nil)
	var st struct {
		Status string `json:"status"`
	}
	if err := a.t.call(ctx, req, &st); err != nil {
		return "", err
	}
	return st.Status, nil
}

type azureIdentify struct {
	FaceID     string `json:"faceId"`
	Candidates []struct {
		PersonID   string  `json:"personId"`
		Confidence float64 `json:"confidence"`
	} `json:"candidates"`
}

// Recognize detects the face, identifies it against the person group and
// resolves the matched person's external id from its user data.
func (a *Azure) Recognize(ctx context.Context, image []byte) (model.RecognitionResult, error) {
	res := model.RecognitionResult{Provider: model.ProviderAzure}
	if !a.Configured() {
		return res, ErrNotConfigured
	}

	faces, err := a.detect(ctx, image)
	if err != nil {
		return res, err
	}
	if len(faces) == 0 {
		res.FailureReason = model.ReasonNoFaceDetected
		return res, nil
	}

	req, err := a.jsonRequest("identify", http.MethodPost, "identify", map[string]any{
		"personGroupId":              a.groupID,
		"faceIds":                    []string{faces[0].FaceID},
		"maxNumOfCandidatesReturned": 1,
		"confidenceThreshold":        azureConfidenceThreshold,
	})
	if err != nil {
		return res, err
	}
	var identified []azureIdentify
	if err := a.t.call(ctx, req, &identified); err != nil {
		if isAPIError(err, "PersonGroupNotTrained", "PersonGroupTrainingNotFinished") {
			res.FailureReason = "recognition model is still training"
			return res, nil
		}
		return res, err
	}

	res.Success = true
	if len(identified) == 0 || len(identified[0].Candidates) == 0 {
		res.FailureReason = model.ReasonNotRecognized
		return res, nil
	}
	best := identified[0].Candidates[0]

	req, _ = a.jsonRequest("get_person", http.MethodGet, "persongroups/"+url.PathEscape(a.groupID)+"/persons/"+url.PathEscape(best.PersonID), nil)
	var person struct {
		PersonID string `json:"personId"`
		Name     string `json:"name"`
		UserData string `json:"userData"`
	}
	if err := a.t.call(ctx, req, &person); err != nil {
		return model.RecognitionResult{Provider: model.ProviderAzure}, fmt.Errorf("get person: %w", err)
	}

	res.Recognized = true
	res.ProviderToken = best.PersonID
	res.DisplayName = person.Name
	res.Confidence = roundConfidence(best.Confidence * 100)
	if person.UserData != "" {
		var ud azureUserData
		if err := json.Unmarshal([]byte(person.UserData), &ud); err != nil {
			log.WithError(err).WithField("person_id", best.PersonID).Warn("person userData is not JSON")
		}
		res.ExternalID = ud.StudentID
	}
	return res, nil
}

// Remove deletes the person identified by token.
func (a *Azure) Remove(ctx context.Context, externalID, token string) error {
	if !a.Configured() {
		return ErrNotConfigured
	}
	if token == "" {
		return fmt.Errorf("azure remove %s: empty person id", externalID)
	}
	req, _ := a.jsonRequest("delete_person", http.MethodDelete, "persongroups/"+url.PathEscape(a.groupID)+"/persons/"+url.PathEscape(token), nil)
	return a.t.call(ctx, req, nil)
}
