package faceclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"faceattend/internal/model"
)

const facePPConcurrencyLimit = "CONCURRENCY_LIMIT_EXCEEDED"

// FacePP talks to a faceset based face API. Faces are tagged with the
// external id and become searchable as soon as they are added.
type FacePP struct {
	baseURL   string
	key       string
	secret    string
	outerID   string
	threshold float64
	t         *transport

	mu           sync.Mutex
	facesetToken string
}

// NewFacePP creates the faceset provider.
func NewFacePP(opts Options) *FacePP {
	f := &FacePP{
		baseURL:   strings.TrimRight(opts.FacePPBaseURL, "/"),
		key:       opts.FacePPKey,
		secret:    opts.FacePPSecret,
		outerID:   opts.FacePPOuterID,
		threshold: opts.FacePPThreshold,
	}
	if f.baseURL == "" {
		f.baseURL = "https://api-us.faceplusplus.com/facepp/v3"
	}
	if f.outerID == "" {
		f.outerID = "students"
	}
	f.t = newTransport(model.ProviderFacePP, opts, nil, classifyFacePP)
	return f
}

func (f *FacePP) Kind() model.ProviderKind { return model.ProviderFacePP }

func (f *FacePP) Configured() bool { return f.key != "" && f.secret != "" }

func (f *FacePP) SyncConsistent() bool { return true }

func classifyFacePP(status int, _ http.Header, body []byte) error {
	var eb struct {
		ErrorMessage string `json:"error_message"`
	}
	_ = json.Unmarshal(body, &eb)
	if strings.HasPrefix(eb.ErrorMessage, facePPConcurrencyLimit) {
		return &RateLimitError{Provider: model.ProviderFacePP, Code: facePPConcurrencyLimit}
	}
	if status < 300 && eb.ErrorMessage == "" {
		return nil
	}
	code, msg, _ := strings.Cut(eb.ErrorMessage, ":")
	if code == "" {
		code = http.StatusText(status)
		msg = strings.TrimSpace(string(body))
	}
	return &APIError{Provider: model.ProviderFacePP, Status: status, Code: strings.TrimSpace(code), Message: strings.TrimSpace(msg)}
}

func (f *FacePP) post(ctx context.Context, op, path string, form url.Values, out any) error {
	form.Set("api_key", f.key)
	form.Set("api_secret", f.secret)
	return f.t.call(ctx, apiRequest{
		op:          op,
		method:      http.MethodPost,
		url:         f.baseURL + "/" + path,
		contentType: "application/x-www-form-urlencoded",
		body:        []byte(form.Encode()),
	}, out)
}

// faceset returns the token of the shared faceset, creating it on first use.
func (f *FacePP) faceset(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.facesetToken != "" {
		return f.facesetToken, nil
	}

	var created struct {
		FacesetToken string `json:"faceset_token"`
	}
	err := f.post(ctx, "faceset_create", "faceset/create", url.Values{
		"outer_id":     {f.outerID},
		"display_name": {"Students"},
	}, &created)
	switch {
	case err == nil:
	case isAPIError(err, "FACESET_EXIST"):
		if err := f.post(ctx, "faceset_detail", "faceset/getdetail", url.Values{"outer_id": {f.outerID}}, &created); err != nil {
			return "", fmt.Errorf("faceset detail: %w", err)
		}
	default:
		return "", fmt.Errorf("faceset create: %w", err)
	}
	if created.FacesetToken == "" {
		return "", fmt.Errorf("%w: faceset without token", ErrMalformedResponse)
	}
	f.facesetToken = created.FacesetToken
	return f.facesetToken, nil
}

type facePPFace struct {
	FaceToken string `json:"face_token"`
}

// Register detects the face, tags it with the external id and adds it to the
// faceset. The face token is the provider token.
func (f *FacePP) Register(ctx context.Context, externalID, displayName string, image []byte) (model.RegistrationResult, error) {
	res := model.RegistrationResult{Provider: model.ProviderFacePP, ExternalID: externalID, DisplayName: displayName}
	if !f.Configured() {
		return res, ErrNotConfigured
	}
	setToken, err := f.faceset(ctx)
	if err != nil {
		return res, err
	}

	var detected struct {
		Faces []facePPFace `json:"faces"`
	}
	if err := f.post(ctx, "detect", "detect", url.Values{
		"image_base64": {base64.StdEncoding.EncodeToString(image)},
	}, &detected); err != nil {
		return res, fmt.Errorf("detect: %w", err)
	}
	if len(detected.Faces) == 0 {
		res.FailureReason = model.ReasonNoFaceDetected
		return res, nil
	}
	faceToken := detected.Faces[0].FaceToken

	if err := f.post(ctx, "set_user_id", "face/setuserid", url.Values{
		"face_token": {faceToken},
		"user_id":    {externalID},
	}, nil); err != nil {
		return res, fmt.Errorf("set user id: %w", err)
	}

	var added struct {
		FaceAdded int `json:"face_added"`
	}
	if err := f.post(ctx, "add_face", "faceset/addface", url.Values{
		"faceset_token": {setToken},
		"face_tokens":   {faceToken},
	}, &added); err != nil {
		return res, fmt.Errorf("add face: %w", err)
	}
	if added.FaceAdded < 1 {
		res.FailureReason = "face was not added to the faceset"
		return res, nil
	}

	res.Success = true
	res.ProviderToken = faceToken
	return res, nil
}

type facePPSearch struct {
	Faces   []facePPFace `json:"faces"`
	Results []struct {
		FaceToken  string  `json:"face_token"`
		UserID     string  `json:"user_id"`
		Confidence float64 `json:"confidence"`
	} `json:"results"`
	Thresholds map[string]float64 `json:"thresholds"`
}

// Recognize searches the faceset for the closest face. A result below the
// 1e-4 false accept threshold does not count as a match.
func (f *FacePP) Recognize(ctx context.Context, image []byte) (model.RecognitionResult, error) {
	res := model.RecognitionResult{Provider: model.ProviderFacePP}
	if !f.Configured() {
		return res, ErrNotConfigured
	}
	setToken, err := f.faceset(ctx)
	if err != nil {
		return res, err
	}

	var found facePPSearch
	err = f.post(ctx, "search", "search", url.Values{
		"image_base64":        {base64.StdEncoding.EncodeToString(image)},
		"faceset_token":       {setToken},
		"return_result_count": {"1"},
	}, &found)
	if err != nil {
		if isAPIError(err, "NO_FACE_FOUND") {
			res.FailureReason = model.ReasonNoFaceDetected
			return res, nil
		}
		return res, fmt.Errorf("search: %w", err)
	}
	if len(found.Faces) == 0 {
		res.FailureReason = model.ReasonNoFaceDetected
		return res, nil
	}

	res.Success = true
	if len(found.Results) == 0 {
		res.FailureReason = model.ReasonNotRecognized
		return res, nil
	}
	best := found.Results[0]
	threshold := f.threshold
	if t, ok := found.Thresholds["1e-4"]; ok && t > 0 {
		threshold = t
	}
	if best.Confidence < threshold {
		log.WithFields(log.Fields{"confidence": best.Confidence, "threshold": threshold}).Debug("best faceset match below threshold")
		res.FailureReason = model.ReasonNotRecognized
		return res, nil
	}

	res.Recognized = true
	res.ExternalID = best.UserID
	res.ProviderToken = best.FaceToken
	res.Confidence = roundConfidence(best.Confidence)
	return res, nil
}

// Remove takes the face token out of the faceset.
func (f *FacePP) Remove(ctx context.Context, externalID, token string) error {
	if !f.Configured() {
		return ErrNotConfigured
	}
	if token == "" {
		return fmt.Errorf("facepp remove %s: empty face token", externalID)
	}
	setToken, err := f.faceset(ctx)
	if err != nil {
		return err
	}
	return f.post(ctx, "remove_face", "faceset/removeface", url.Values{
		"faceset_token": {setToken},
		"face_tokens":   {token},
	}, nil)
}
