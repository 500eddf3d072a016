package llm

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
)

// EndpointInfo is the minimal endpoint view the selector needs.
type EndpointInfo struct {
	URL     string
	Models  []string
	Healthy bool
}

// Selector routes completion calls to the first healthy local endpoint
// serving a standard model, falling back to the cloud client.
type Selector struct {
	mu             sync.Mutex
	endpoints      func() []EndpointInfo
	standardModels []string
	cloud          Client
	cloudModel     string
	httpClient     *http.Client
}

// NewSelector builds a selector. cloud may be nil when the cloud is
// disabled; calls then fail with ErrUnavailable if no local endpoint
// can serve.
func NewSelector(endpoints func() []EndpointInfo, standardModels []string, cloud Client, cloudModel string, httpClient *http.Client) *Selector {
	return &Selector{
		endpoints:      endpoints,
		standardModels: standardModels,
		cloud:          cloud,
		cloudModel:     cloudModel,
		httpClient:     httpClient,
	}
}

// Complete implements Client.
func (s *Selector) Complete(ctx context.Context, req Request) (string, error) {
	for _, e := range s.endpoints() {
		if !e.Healthy {
			continue
		}
		for _, m := range e.Models {
			if slices.Contains(s.standardModels, m) {
				local := NewOllamaClient(e.URL, s.httpClient)
				localReq := req
				localReq.Model = m
				out, err := local.Complete(ctx, localReq)
				if err == nil {
					return out, nil
				}
				// A failing local endpoint falls through to the cloud.
			}
		}
	}
	if s.cloud == nil {
		return "", fmt.Errorf("%w: no healthy local endpoint and cloud disabled", ErrUnavailable)
	}
	cloudReq := req
	if cloudReq.Model == "" || !slices.Contains(s.standardModels, cloudReq.Model) {
		cloudReq.Model = s.cloudModel
	}
	return s.cloud.Complete(ctx, cloudReq)
}
