// Package collaborator holds the HTTP clients for the external systems the
// orchestrator delegates to: source hosts, the analysis service, the image
// registry, the vulnerability scanner and notification channels. Every
// collaborator is a black box behind a small request/response contract.
package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/relay-ci/relay/pkg/helper/errors"
)

const defaultTimeout = time.Second * 10

// RetryPolicy bounds retries of transient failures. Non-transient errors
// surface immediately.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Do invokes fn until it succeeds, fails permanently, or the attempt bound
// is spent.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.KindOf(err) != errors.KindTransient {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(p.Backoff):
		case <-ctx.Done():
			return errors.Transient(ctx.Err(), "retry interrupted")
		}
	}
	return err
}

func postJSON(ctx context.Context, client *http.Client, url string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "fail marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "fail build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return errors.Transient(err, "fail reach "+url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Transient(errors.Errorf("%s: %s", url, resp.Status), "collaborator error")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.NewErr(resp.StatusCode, &errors.CodeError{
			Code:    resp.StatusCode,
			Message: url + ": " + resp.Status,
		})
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "fail decode response")
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "fail build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return errors.Transient(err, "fail reach "+url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Transient(errors.Errorf("%s: %s", url, resp.Status), "collaborator error")
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "fail decode response")
	}
	return nil
}
