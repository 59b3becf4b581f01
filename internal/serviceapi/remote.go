package serviceapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dockyard/internal/model"
	"dockyard/internal/reqid"
)

const (
	HeaderLastEventID = "Last-Event-ID"
	HeaderAuth        = "Authorization"
)

// RemoteCore talks to a dockyard server over HTTP.
type RemoteCore struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	streamClient *http.Client
}

var _ Core = (*RemoteCore)(nil)

func NewRemoteCore(baseURL string, apiKey string, timeout time.Duration) *RemoteCore {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteCore{
		baseURL:      baseURL,
		apiKey:       strings.TrimSpace(apiKey),
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

func (r *RemoteCore) Submit(ctx context.Context, command string, runID string) (SubmitResult, error) {
	payload := map[string]string{"command": command}
	if strings.TrimSpace(runID) != "" {
		payload["runId"] = strings.TrimSpace(runID)
	}
	var response SubmitResult
	if err := r.doJSON(ctx, http.MethodPost, "/v1/run", nil, payload, &response); err != nil {
		return SubmitResult{}, err
	}
	return response, nil
}

func (r *RemoteCore) Validate(ctx context.Context, command string) (ValidateResult, error) {
	var response ValidateResult
	if err := r.doJSON(ctx, http.MethodPost, "/v1/validate", nil, map[string]string{"command": command}, &response); err != nil {
		return ValidateResult{}, err
	}
	return response, nil
}

func (r *RemoteCore) Status(ctx context.Context, jobID string, runID string) (model.JobSnapshot, error) {
	var response model.JobSnapshot
	if err := r.doJSON(ctx, http.MethodGet, jobPath(jobID, ""), runQuery(runID), nil, &response); err != nil {
		return model.JobSnapshot{}, err
	}
	return response, nil
}

func (r *RemoteCore) List(ctx context.Context) ([]model.JobSnapshot, error) {
	var response struct {
		Jobs []model.JobSnapshot `json:"jobs"`
	}
	if err := r.doJSON(ctx, http.MethodGet, "/v1/jobs", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Jobs, nil
}

func (r *RemoteCore) Cancel(ctx context.Context, jobID string) (model.JobSnapshot, error) {
	var response model.JobSnapshot
	if err := r.doJSON(ctx, http.MethodPost, jobPath(jobID, "/cancel"), nil, nil, &response); err != nil {
		return model.JobSnapshot{}, err
	}
	return response, nil
}

func (r *RemoteCore) Health(ctx context.Context) (Health, error) {
	var response Health
	if err := r.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil, &response); err != nil {
		return Health{}, err
	}
	return response, nil
}

// Events opens the job's SSE stream. The channel closes when the server ends
// the stream, the request fails or the returned function is called.
func (r *RemoteCore) Events(ctx context.Context, jobID string, runID string, lastEventID string) (<-chan model.JobEvent, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	streamCtx, cancel := context.WithCancel(ctx)
	request, err := r.newRequest(streamCtx, http.MethodGet, jobPath(jobID, "/events"), runQuery(runID), nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	request.Header.Set("Accept", "text/event-stream")
	if strings.TrimSpace(lastEventID) != "" {
		request.Header.Set(HeaderLastEventID, strings.TrimSpace(lastEventID))
	}
	response, err := r.streamClient.Do(request)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		_ = response.Body.Close()
		cancel()
		return nil, nil, decodeRemoteError(response.StatusCode, payload)
	}

	events := make(chan model.JobEvent, 64)
	go func() {
		defer close(events)
		defer response.Body.Close()
		_ = readEventStream(response.Body, func(event model.JobEvent) bool {
			select {
			case events <- event:
				return true
			case <-streamCtx.Done():
				return false
			}
		})
	}()
	return events, cancel, nil
}

// readEventStream parses server-sent events and hands each decoded job event
// to emit until emit returns false or the stream ends.
func readEventStream(body io.Reader, emit func(model.JobEvent) bool) error {
	reader := bufio.NewReader(body)
	var id string
	var data strings.Builder
	dispatch := func() bool {
		defer func() {
			id = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return true
		}
		var event model.JobEvent
		if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
			return true
		}
		if event.ID == "" {
			event.ID = id
		}
		return emit(event)
	}

	for {
		line, err := reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if !dispatch() {
				return nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		if err != nil {
			dispatch()
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func jobPath(jobID string, suffix string) string {
	return "/v1/jobs/" + url.PathEscape(strings.TrimSpace(jobID)) + suffix
}

func runQuery(runID string) map[string]string {
	if strings.TrimSpace(runID) == "" {
		return nil
	}
	return map[string]string{"runId": strings.TrimSpace(runID)}
}

func (r *RemoteCore) newRequest(ctx context.Context, method string, path string, query map[string]string, body any) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(r.baseURL + path)
	if err != nil {
		return nil, err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		request.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		request.Header.Set(HeaderAuth, "Bearer "+r.apiKey)
	}
	if id := reqid.FromContext(ctx); id != "" {
		request.Header.Set(reqid.Header, id)
	}
	return request, nil
}

func (r *RemoteCore) doJSON(ctx context.Context, method string, path string, query map[string]string, body any, out any) error {
	request, err := r.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	response, err := r.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

// decodeRemoteError turns the server's error envelope back into a
// model.Error when the code is a known kind, so errors.Is works across the
// wire.
func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		code := strings.TrimSpace(wrapper.Error.Code)
		message := strings.TrimSpace(wrapper.Error.Message)
		switch kind := model.ErrorKind(code); kind {
		case model.KindInvalidCommand, model.KindPathEscapesWorkspace, model.KindServiceUnavailable,
			model.KindUnknownJob, model.KindStaleRun, model.KindRunnerFailure:
			return model.NewError(kind, "%s (http %d)", message, status)
		}
		return fmt.Errorf("%s (http %d): %s", code, status, message)
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}
