package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vivuchat/vivuchat-api/internal/models"
	"github.com/vivuchat/vivuchat-api/internal/repository"
	"github.com/vivuchat/vivuchat-api/pkg/config"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
)

const modelListCacheKey = "ollama:models"

// OllamaService proxies the model-serving backend. Model listings are
// cached in Redis; completions stream through untouched.
type OllamaService struct {
	baseURL  string
	client   *http.Client
	cache    *repository.CacheRepository
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewOllamaService constructs the proxy client.
func NewOllamaService(cfg config.OllamaConfig, cache *repository.CacheRepository, logger *zap.Logger) *OllamaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaService{
		baseURL:  cfg.BaseURL,
		client:   &http.Client{Timeout: cfg.Timeout},
		cache:    cache,
		cacheTTL: cfg.ModelCacheTTL,
		logger:   logger,
	}
}

// ListModels returns the backend's model catalogue, serving from cache
// when fresh.
func (s *OllamaService) ListModels(ctx context.Context) ([]models.OllamaModel, error) {
	var cached []models.OllamaModel
	if err := s.cache.Get(ctx, modelListCacheKey, &cached); err == nil {
		return cached, nil
	}

	var tags models.OllamaTagsResponse
	if err := s.getJSON(ctx, "/api/tags", &tags); err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, modelListCacheKey, tags.Models, s.cacheTTL); err != nil {
		s.logger.Warn("failed to cache model list", zap.Error(err))
	}

	return tags.Models, nil
}

// ShowModel returns the backend's detail view for one model.
func (s *OllamaService) ShowModel(ctx context.Context, model string) (json.RawMessage, error) {
	var detail json.RawMessage
	if err := s.postJSON(ctx, "/api/show", map[string]string{"model": model}, &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// PullModel asks the backend to download a model and invalidates the
// cached listing.
func (s *OllamaService) PullModel(ctx context.Context, req models.OllamaPullRequest) error {
	payload := map[string]interface{}{"model": req.Model, "stream": false}
	if err := s.postJSON(ctx, "/api/pull", payload, nil); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, modelListCacheKey)
	return nil
}

// DeleteModel removes a model from the backend and invalidates the
// cached listing.
func (s *OllamaService) DeleteModel(ctx context.Context, model string) error {
	body, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode delete request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/api/delete", bytes.NewReader(body))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build delete request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "model backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return appErrors.Clone(appErrors.ErrNotFound, "model not found")
	}
	if resp.StatusCode >= 400 {
		return appErrors.Clone(appErrors.ErrUpstream, fmt.Sprintf("model backend returned %d", resp.StatusCode))
	}

	s.cache.Invalidate(ctx, modelListCacheKey)
	return nil
}

// StreamChat forwards a completion request and copies the NDJSON stream
// to w as it arrives. The concatenated assistant reply is returned once
// the stream finishes so the caller can persist it.
func (s *OllamaService) StreamChat(ctx context.Context, req models.OllamaChatRequest, w io.Writer) (string, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "model backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", appErrors.Clone(appErrors.ErrUpstream, fmt.Sprintf("model backend returned %d", resp.StatusCode))
	}

	var reply bytes.Buffer
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	flusher, _ := w.(http.Flusher)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chunk models.OllamaChatChunk
		if err := json.Unmarshal(line, &chunk); err == nil {
			reply.WriteString(chunk.Message.Content)
		}

		if _, err := w.Write(append(line, '\n')); err != nil {
			return reply.String(), appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "client write failed")
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return reply.String(), appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "stream interrupted")
	}

	return reply.String(), nil
}

func (s *OllamaService) getJSON(ctx context.Context, path string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "model backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return appErrors.Clone(appErrors.ErrUpstream, fmt.Sprintf("model backend returned %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "failed to decode backend response")
	}
	return nil
}

func (s *OllamaService) postJSON(ctx context.Context, path string, payload, dest interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "model backend unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return appErrors.Clone(appErrors.ErrUpstream, fmt.Sprintf("model backend returned %d", resp.StatusCode))
	}

	if dest != nil {
		if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
			return appErrors.Wrap(err, appErrors.ErrUpstream.Code, appErrors.ErrUpstream.Status, "failed to decode backend response")
		}
	}
	return nil
}
