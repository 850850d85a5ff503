package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/relay-ci/relay/apis"
	"github.com/relay-ci/relay/internal/common"
	"github.com/relay-ci/relay/pkg/apis/v1alpha1"
)

const defaultGateInterval = time.Second * 3

// Gate bridges the asynchronous analysis verdict into the synchronous stage
// sequence. A run parks its worker in Await; the verdict webhook lands in
// Deliver. At most one verdict is accepted per run, late and duplicate
// deliveries are dropped.
type Gate struct {
	mu     sync.Mutex
	logger log.Logger

	interval time.Duration
	boxes    map[int64]*mailbox
}

type mailbox struct {
	verdict *v1alpha1.QualityGateVerdict
	arrived chan struct{}
}

func NewGate() *Gate {
	return &Gate{
		interval: defaultGateInterval,
		boxes:    make(map[int64]*mailbox),
	}
}

func (g *Gate) SetLogger(logger log.Logger) {
	g.logger = log.With(logger, "module", "gate")
}

func (g *Gate) SetConfig(conf *common.Config) {
	if conf.Gate.Interval > 0 {
		g.interval = conf.Gate.Interval
	}
}

// Expect registers interest in runID's verdict. Must happen before the
// analysis submission, otherwise a fast verdict races the registration and
// gets dropped as unknown.
func (g *Gate) Expect(runID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.boxes[runID]; !ok {
		g.boxes[runID] = &mailbox{arrived: make(chan struct{})}
	}
}

// Forget drops the mailbox registered by Expect when the analysis was never
// submitted, so Await will not run to clean it up. Idempotent.
func (g *Gate) Forget(runID int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.boxes, runID)
}

// Deliver implements apis.VerdictService.
func (g *Gate) Deliver(ctx context.Context, in *apis.Verdict) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	box, ok := g.boxes[in.RunID]
	if !ok {
		level.Info(g.logger).Log("message", "verdict for unknown or finished run dropped", "runID", in.RunID)
		return nil
	}
	if box.verdict != nil {
		level.Info(g.logger).Log("message", "duplicate verdict ignored", "runID", in.RunID)
		return nil
	}

	box.verdict = &v1alpha1.QualityGateVerdict{
		RunID:      in.RunID,
		Outcome:    in.Outcome,
		ReceivedAt: time.Now().Unix(),
	}
	close(box.arrived)
	return nil
}

// Await blocks until the verdict for runID arrives or timeout elapses. The
// worker re-checks the mailbox on a fixed interval rather than spinning;
// timeout yields an Error outcome, which the caller treats as a stage
// failure.
func (g *Gate) Await(ctx context.Context, runID int64, timeout time.Duration) (*v1alpha1.QualityGateVerdict, error) {
	g.Expect(runID)

	g.mu.Lock()
	box := g.boxes[runID]
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.boxes, runID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		if v := g.take(box); v != nil {
			return v, nil
		}
		select {
		case <-box.arrived:
			return g.take(box), nil
		case <-ticker.C:
			// re-check
		case <-timer.C:
			return &v1alpha1.QualityGateVerdict{
				RunID:      runID,
				Outcome:    v1alpha1.GateError,
				ReceivedAt: time.Now().Unix(),
			}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Gate) take(box *mailbox) *v1alpha1.QualityGateVerdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return box.verdict
}
