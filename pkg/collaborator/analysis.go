package collaborator

import (
	"context"
	"net/http"
	"strings"
)

// AnalysisRequest submits a revision for static analysis. The verdict comes
// back later on the verdict webhook, correlated by run ID.
type AnalysisRequest struct {
	RunID    int64  `json:"runId"`
	CommitID string `json:"commitId"`
}

type Analyzer interface {
	Submit(ctx context.Context, in *AnalysisRequest) error
}

type analyzer struct {
	host   string
	client *http.Client
}

func NewAnalyzer(host string) Analyzer {
	if !strings.HasPrefix(host, "http") {
		host = "http://" + host
	}
	return &analyzer{
		host:   strings.TrimSuffix(host, "/"),
		client: &http.Client{Timeout: defaultTimeout},
	}
}

func (a *analyzer) Submit(ctx context.Context, in *AnalysisRequest) error {
	return postJSON(ctx, a.client, a.host+"/api/v1/analyze", in, nil)
}
