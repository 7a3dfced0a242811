// Package centralapi is the HTTPS client for the central research API:
// login, metadata catalogue, study and series ZIP download, dataset upload.
package centralapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	dicomerr "github.com/caio-sobreiro/dicomgw/errors"
)

// Config holds the API connection settings.
type Config struct {
	BaseURL    string
	Username   string
	Password   string
	Token      string
	MaxRetries int
	RetryDelay time.Duration
	HTTPClient *http.Client
}

// Client talks to the central API with Bearer authentication, transparent
// re-login on 401 and bounded retries for transient failures.
type Client struct {
	baseURL    string
	username   string
	password   string
	maxRetries uint64
	retryDelay time.Duration
	httpClient *http.Client
	logger     *zap.Logger

	tokenMu sync.Mutex
	token   string
}

// NewClient creates a client. Defaults: 3 retries, 5 s initial delay,
// a 5-minute HTTP client timeout for the large ZIP downloads.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		token:      cfg.Token,
		maxRetries: uint64(maxRetries),
		retryDelay: retryDelay,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Login obtains a fresh Bearer token.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"username_or_email": c.username,
		"password":          c.password,
	})
	if err != nil {
		return err
	}

	endpoint := c.baseURL + "/users/login/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return dicomerr.NewNetworkError("login", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusUnauthorized {
			return dicomerr.NewAuthError(endpoint, "invalid credentials")
		}
		return dicomerr.NewHTTPError(resp.StatusCode, endpoint, string(payload))
	}

	var loginResp struct {
		Access string          `json:"access"`
		User   json.RawMessage `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if loginResp.Access == "" {
		return dicomerr.NewAuthError(endpoint, "login response carried no access token")
	}

	c.tokenMu.Lock()
	c.token = loginResp.Access
	c.tokenMu.Unlock()

	c.logger.Info("Authenticated with central API")
	return nil
}

// AllDicomMetadata fetches the full metadata catalogue.
func (c *Client) AllDicomMetadata(ctx context.Context) (*Catalogue, error) {
	data, err := c.get(ctx, "/processing/results/all_dicom_metadata/", nil)
	if err != nil {
		return nil, err
	}

	var catalogue Catalogue
	if err := json.Unmarshal(ScrubSentinels(data), &catalogue); err != nil {
		return nil, fmt.Errorf("failed to decode metadata catalogue: %w", err)
	}
	return &catalogue, nil
}

// ResultMetadata fetches the metadata of one processing result.
func (c *Client) ResultMetadata(ctx context.Context, resultID int) (*ResultData, error) {
	data, err := c.get(ctx, fmt.Sprintf("/processing/results/%d/dicom_metadata/", resultID), nil)
	if err != nil {
		return nil, err
	}

	var result ResultData
	if err := json.Unmarshal(ScrubSentinels(data), &result); err != nil {
		return nil, fmt.Errorf("failed to decode result metadata: %w", err)
	}
	return &result, nil
}

// ErrStudyNotFound reports a study UID absent from the API catalogue.
// Callers distinguish it from transport failures: a miss is an empty
// match, not an error condition.
var ErrStudyNotFound = errors.New("study not found on central API")

// ResultIDForStudy maps a study UID to the processing result holding it.
// Returns ErrStudyNotFound when no result carries the study.
func (c *Client) ResultIDForStudy(ctx context.Context, studyUID string) (int, error) {
	catalogue, err := c.AllDicomMetadata(ctx)
	if err != nil {
		return 0, err
	}
	id, ok := catalogue.ResultIDForStudy(studyUID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrStudyNotFound, studyUID)
	}
	return id, nil
}

// DownloadStudy downloads a study as a ZIP and returns the bytes of each
// .dcm member.
func (c *Client) DownloadStudy(ctx context.Context, resultID int, studyUID string) ([][]byte, error) {
	data, err := c.get(ctx,
		fmt.Sprintf("/processing/results/%d/download_dicom_study/", resultID),
		url.Values{"study_uid": {studyUID}})
	if err != nil {
		return nil, err
	}
	return extractZip(data)
}

// DownloadSeries downloads one series as a ZIP and returns the bytes of
// each .dcm member.
func (c *Client) DownloadSeries(ctx context.Context, resultID int, seriesUID string) ([][]byte, error) {
	data, err := c.get(ctx,
		fmt.Sprintf("/processing/results/%d/download_dicom_series/", resultID),
		url.Values{"series_uid": {seriesUID}})
	if err != nil {
		return nil, err
	}
	return extractZip(data)
}

// UploadDataset uploads a study ZIP as a multipart form and returns the
// created dataset id.
func (c *Client) UploadDataset(ctx context.Context, zipPath, name string) (int, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(zipPath))
	if err != nil {
		return 0, err
	}
	f, err := os.Open(zipPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", zipPath, err)
	}
	if _, err := io.Copy(part, f); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to read %s: %w", zipPath, err)
	}
	f.Close()

	if err := writer.WriteField("name", name); err != nil {
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}

	data, err := c.request(ctx, http.MethodPost, "/data/datasets/", nil,
		body.Bytes(), writer.FormDataContentType())
	if err != nil {
		return 0, err
	}

	var uploadResp struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(data, &uploadResp); err != nil {
		return 0, fmt.Errorf("failed to decode upload response: %w", err)
	}

	c.logger.Info("Uploaded dataset",
		zap.String("zip", zipPath),
		zap.Int("dataset_id", uploadResp.ID))
	return uploadResp.ID, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.request(ctx, http.MethodGet, path, query, nil, "")
}

// request performs one authenticated API call with transient retries.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body []byte, contentType string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryDelay

	var result []byte
	operation := func() error {
		data, err := c.attempt(ctx, method, path, query, body, contentType)
		if err != nil {
			if dicomerr.IsTransient(err) {
				c.logger.Warn("Transient API failure, will retry",
					zap.String("path", path),
					zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		result = data
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// attempt performs a single API call, forcing one re-login and one retry
// when the token is rejected.
func (c *Client) attempt(ctx context.Context, method, path string, query url.Values, body []byte, contentType string) ([]byte, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	data, status, err := c.do(ctx, method, path, query, body, contentType)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.logger.Info("Token rejected, re-authenticating")
		c.invalidateToken()
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		data, status, err = c.do(ctx, method, path, query, body, contentType)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			return nil, dicomerr.NewAuthError(path, "request rejected after re-login")
		}
	}
	if status < 200 || status >= 300 {
		return nil, dicomerr.NewHTTPError(status, path, previewBody(data))
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, contentType string) ([]byte, int, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, 0, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, dicomerr.NewNetworkError(method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, dicomerr.NewNetworkError("read "+path, err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.currentToken() != "" {
		return nil
	}
	return c.Login(ctx)
}

func (c *Client) currentToken() string {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.token
}

func (c *Client) invalidateToken() {
	c.tokenMu.Lock()
	c.token = ""
	c.tokenMu.Unlock()
}

func previewBody(data []byte) string {
	const limit = 256
	if len(data) > limit {
		data = data[:limit]
	}
	return string(data)
}

// extractZip validates the ZIP magic and returns the contents of every
// .dcm member.
func extractZip(data []byte) ([][]byte, error) {
	if len(data) < 2 || data[0] != 'P' || data[1] != 'K' {
		return nil, fmt.Errorf("response is not a ZIP archive")
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open ZIP: %w", err)
	}

	var files [][]byte
	for _, member := range reader.File {
		if member.FileInfo().IsDir() || !strings.HasSuffix(member.Name, ".dcm") {
			continue
		}
		rc, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open ZIP member %s: %w", member.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read ZIP member %s: %w", member.Name, err)
		}
		files = append(files, content)
	}
	return files, nil
}
