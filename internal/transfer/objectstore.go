package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// HTTPObjectStorage talks to the storage collaborator over HTTP:
//
//	POST {base}/upload-target  {"task_id"}               -> {"url"}
//	POST {base}/outcome        {"task_id","success","msg"}
type HTTPObjectStorage struct {
	baseURL string
	client  *http.Client
}

// NewHTTPObjectStorage returns a client for the storage service at baseURL.
func NewHTTPObjectStorage(baseURL string) *HTTPObjectStorage {
	return &HTTPObjectStorage{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type uploadTargetResponse struct {
	URL string `json:"url"`
}

func (o *HTTPObjectStorage) RequestUploadTarget(ctx context.Context, taskID string) (string, error) {
	var resp uploadTargetResponse
	if err := o.post(ctx, "/upload-target", map[string]string{"task_id": taskID}, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("object storage returned no upload url for task %s", taskID)
	}
	return resp.URL, nil
}

func (o *HTTPObjectStorage) NotifyTransferOutcome(ctx context.Context, taskID string, outcome Outcome) error {
	body := struct {
		TaskID string `json:"task_id"`
		Outcome
	}{TaskID: taskID, Outcome: outcome}
	return o.post(ctx, "/outcome", body, nil)
}

func (o *HTTPObjectStorage) post(ctx context.Context, path string, in, out any) error {
	ctx, span := otel.Tracer("transfer").Start(ctx, "objectstorage"+strings.ReplaceAll(path, "/", "."))
	defer span.End()

	url := o.baseURL + path
	span.SetAttributes(attribute.String("http.url", url))

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal object storage request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build object storage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("object storage call to %s: %w", url, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("object storage %s returned status %d", url, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode object storage response: %w", err)
	}
	return nil
}
