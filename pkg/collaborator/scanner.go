package collaborator

import (
	"context"
	"net/http"
	"strings"

	"github.com/relay-ci/relay/pkg/helper/errors"
	"github.com/xpsl/govaluate"
)

type ScanRequest struct {
	ImageRef string `json:"imageRef"`
}

type ScanReport struct {
	SeverityCounts map[string]int `json:"severityCounts"`
	Passed         bool           `json:"passed"`
}

// Scanner submits an image reference for vulnerability scanning and returns
// the scanner's verdict plus severity counts.
type Scanner interface {
	Scan(ctx context.Context, in *ScanRequest) (*ScanReport, error)
}

type scanner struct {
	host   string
	client *http.Client
}

func NewScanner(host string) Scanner {
	if !strings.HasPrefix(host, "http") {
		host = "http://" + host
	}
	return &scanner{
		host:   strings.TrimSuffix(host, "/"),
		client: &http.Client{Timeout: defaultTimeout},
	}
}

func (s *scanner) Scan(ctx context.Context, in *ScanRequest) (*ScanReport, error) {
	var out ScanReport
	if err := postJSON(ctx, s.client, s.host+"/api/v1/scan", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Policy is a declared severity threshold, an expression over the report's
// severity counts, e.g. "critical == 0 && high <= 2". Unreferenced
// severities default to zero.
type Policy struct {
	expr *govaluate.EvaluableExpression
}

func NewPolicy(expr string) (*Policy, error) {
	if expr == "" {
		return &Policy{}, nil
	}
	compiled, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "fail compile scan policy"), errors.KindConfiguration)
	}
	return &Policy{expr: compiled}, nil
}

// Allows reports whether the report satisfies the policy. An empty policy
// allows everything the scanner itself passed.
func (p *Policy) Allows(report *ScanReport) (bool, error) {
	if p.expr == nil {
		return report.Passed, nil
	}

	// govaluate arithmetic works on float64
	parameters := make(map[string]interface{}, len(report.SeverityCounts))
	for _, name := range p.expr.Vars() {
		parameters[name] = float64(0)
	}
	for severity, count := range report.SeverityCounts {
		parameters[strings.ToLower(severity)] = float64(count)
	}

	verdict, err := p.expr.Evaluate(parameters)
	if err != nil {
		return false, errors.Wrap(err, "fail evaluate scan policy")
	}
	allowed, ok := verdict.(bool)
	if !ok {
		return false, errors.New("scan policy is not a boolean expression")
	}
	return allowed && report.Passed, nil
}
