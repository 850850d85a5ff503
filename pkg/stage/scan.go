package stage

import (
	"context"
	"fmt"

	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
	"github.com/relay-ci/relay/pkg/collaborator"
	"github.com/relay-ci/relay/pkg/helper/errors"
)

// Scan submits the published image to the vulnerability scanner and applies
// the declared policy to the report. A rejection is final, never retried.
type Scan struct {
	Scanner collaborator.Scanner
	Policy  *collaborator.Policy
	Retry   collaborator.RetryPolicy
}

func (s *Scan) Do(ctx context.Context, in *Request) (*Result, error) {
	imageRef := Param(in.Params, "image")
	if imageRef == "" {
		return nil, errors.New("no image to scan, publish must run first")
	}

	var report *collaborator.ScanReport
	err := s.Retry.Do(ctx, func() error {
		var err error
		report, err = s.Scanner.Scan(ctx, &collaborator.ScanRequest{ImageRef: imageRef})
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "fail scan image")
	}

	allowed, err := s.Policy.Allows(report)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.WithKind(
			errors.Errorf("image %s rejected by scan policy: %v", imageRef, report.SeverityCounts),
			errors.KindGateRejected)
	}

	return &Result{
		Status: v1alpha1.StageSucceeded,
		Output: []*v1alpha1.KeyAndValue{
			{Key: "scan", Value: fmt.Sprintf("%v", report.SeverityCounts)},
		},
	}, nil
}
