package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aponysus/ferry/config"
	"github.com/aponysus/ferry/policy"
)

const maxPolicyDocument = 1 << 20

// HTTPSource fetches policy documents from GET {BaseURL}/{key}. Documents use
// the retry section schema of the config file, in YAML or JSON; keys the
// document omits take their values from Defaults.
type HTTPSource struct {
	BaseURL  string
	Client   *http.Client
	Defaults config.RetryConfig
}

// NewHTTPSource returns a source with the default retry section and a client
// bounded by timeout.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Client:   &http.Client{Timeout: timeout},
		Defaults: config.DefaultRetry(),
	}
}

func (s *HTTPSource) Fetch(ctx context.Context, key policy.Key) (policy.RetryPolicy, error) {
	endpoint := strings.TrimRight(s.BaseURL, "/") + "/" + url.PathEscape(key.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return policy.RetryPolicy{}, fmt.Errorf("%w: %w", ErrPolicyFetchFailed, err)
	}
	req.Header.Set("Accept", "application/yaml, application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return policy.RetryPolicy{}, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return policy.RetryPolicy{}, ErrPolicyNotFound
	case resp.StatusCode >= 500:
		return policy.RetryPolicy{}, fmt.Errorf("%w: %s", ErrProviderUnavailable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return policy.RetryPolicy{}, fmt.Errorf("%w: %s", ErrPolicyFetchFailed, resp.Status)
	}

	rc := s.Defaults
	if err := yaml.NewDecoder(io.LimitReader(resp.Body, maxPolicyDocument)).Decode(&rc); err != nil && !errors.Is(err, io.EOF) {
		return policy.RetryPolicy{}, fmt.Errorf("%w: decode %s: %w", ErrPolicyFetchFailed, key, err)
	}
	pol, err := rc.Policy(key)
	if err != nil {
		return policy.RetryPolicy{}, fmt.Errorf("%w: %w", ErrPolicyFetchFailed, err)
	}
	pol.Meta.Source = policy.SourceRemote
	return pol, nil
}
