// Package common builds go-openai clients pointed at OpenAI-compatible
// backends and maps their errors onto core.UpstreamError.
package common

import (
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"voicegate/core"
	"voicegate/gateway"
)

// NewClient returns a go-openai client for baseURL. Local backends usually
// ignore the key; an empty one is sent as a placeholder.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *openai.Client {
	if apiKey == "" {
		apiKey = "not-needed"
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(cfg)
}

// UpstreamError classifies a go-openai error for service.
func UpstreamError(service core.Service, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &core.UpstreamError{
			Service: service,
			Status:  apiErr.HTTPStatusCode,
			Body:    apiErr.Message,
			Err:     err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &core.UpstreamError{
			Service: service,
			Status:  reqErr.HTTPStatusCode,
			Err:     err,
		}
	}
	return gateway.TransportError(service, err)
}
