// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package safety

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lawai/platform/orchestrator/audit"
	"lawai/platform/shared/logger"
)

// Options configures a Kernel.
type Options struct {
	Gates       []Filter
	PreFilters  []Filter
	PostFilters []Filter
	Timeout     time.Duration
	Audit       audit.Sink
	Logger      *logger.Logger
}

// Kernel runs the assessment pipeline.
type Kernel struct {
	reviewer Reviewer
	gates    []Filter
	pre      []Filter
	post     []Filter
	timeout  time.Duration
	audit    audit.Sink
	log      *logger.Logger
}

// NewKernel creates a safety kernel around reviewer.
func NewKernel(reviewer Reviewer, opts Options) *Kernel {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard("safety")
	}
	return &Kernel{
		reviewer: reviewer,
		gates:    opts.Gates,
		pre:      opts.PreFilters,
		post:     opts.PostFilters,
		timeout:  opts.Timeout,
		audit:    opts.Audit,
		log:      opts.Logger,
	}
}

// Assess evaluates a command. It always returns an assessment; failures
// inside the pipeline are folded into the result and never approve.
func (k *Kernel) Assess(ctx context.Context, in *Input) *Assessment {
	a := &Assessment{
		RunID:       uuid.New().String(),
		Reasons:     []string{},
		Mitigations: []string{},
	}
	start := time.Now()
	k.run(ctx, in, a)
	k.finish(ctx, in, a, time.Since(start))
	return a
}

func (k *Kernel) run(ctx context.Context, in *Input, a *Assessment) {
	for _, g := range k.gates {
		d, err := evaluate(ctx, g, in)
		if err != nil {
			a.trace(StageGate, g.Name(), VerdictBlock, ReasonGateFailure, err)
			a.conclude(StatusRejected, []string{ReasonGateFailure + ":" + g.Name()}, nil)
			return
		}
		if a.stop(StageGate, g.Name(), d) {
			return
		}
	}

	for _, f := range k.pre {
		d, err := evaluate(ctx, f, in)
		if err != nil {
			a.trace(StagePre, f.Name(), VerdictNeedsHITL, ReasonFilterFailure, err)
			a.conclude(StatusNeedsHITL, []string{ReasonFilterFailure + ":" + f.Name()}, nil)
			return
		}
		if a.stop(StagePre, f.Name(), d) {
			return
		}
	}

	a.ReviewerInvoked = true
	review, err := k.review(ctx, in, a.RunID)
	status, ok := mapReview(review)
	switch {
	case err != nil:
		a.trace(StageReviewer, "reviewer", VerdictNeedsHITL, ReasonKernelFailure, err)
		a.conclude(StatusNeedsHITL, []string{ReasonKernelFailure}, nil)
	case !ok:
		a.trace(StageReviewer, "reviewer", VerdictNeedsHITL, ReasonKernelFailure, errors.New("unrecognized review decision"))
		a.conclude(StatusNeedsHITL, []string{ReasonKernelFailure}, nil)
	default:
		a.trace(StageReviewer, "reviewer", verdictFor(status), review.Decision, nil)
		a.conclude(status, review.Reasons, review.Mitigations)
	}

	if a.Status == StatusRejected {
		return
	}
	in.Result = a.Status
	for _, f := range k.post {
		d, err := evaluate(ctx, f, in)
		if err != nil {
			a.trace(StagePost, f.Name(), VerdictNeedsHITL, ReasonFilterFailure, err)
			a.conclude(stricter(a.Status, StatusNeedsHITL), []string{ReasonFilterFailure + ":" + f.Name()}, nil)
			return
		}
		a.trace(StagePost, f.Name(), d.Verdict, d.Reason, nil)
		if d.Verdict != VerdictAllow {
			a.conclude(stricter(a.Status, statusFor(d.Verdict)), []string{reasonOr(d, f)}, d.Mitigations)
			return
		}
	}
}

func (k *Kernel) review(ctx context.Context, in *Input, runID string) (*Review, error) {
	if k.reviewer == nil {
		return nil, errors.New("no reviewer configured")
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	cmd := in.Envelope.Command
	req := ReviewRequest{
		RunID:       runID,
		OrgID:       cmd.OrgID,
		SessionID:   cmd.SessionID,
		CommandID:   cmd.ID,
		CommandType: cmd.CommandType,
		Payload:     cmd.Payload,
		Objective:   in.Envelope.Session.Objective,
	}
	policy := in.Policy()
	req.Policy = map[string]interface{}{
		"confidentialMode":   policy.ConfidentialMode,
		"sensitiveTopicHitl": policy.SensitiveTopicHITL,
		"residencyZone":      policy.ResidencyZone,
	}

	type result struct {
		review *Review
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("reviewer panic: %v", r)}
			}
		}()
		rv, err := k.reviewer.Review(ctx, req)
		done <- result{rv, err}
	}()

	select {
	case r := <-done:
		return r.review, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("reviewer timed out after %v: %w", k.timeout, ctx.Err())
	}
}

func (k *Kernel) finish(ctx context.Context, in *Input, a *Assessment, elapsed time.Duration) {
	cmd := in.Envelope.Command
	fields := map[string]interface{}{
		"command_id":       cmd.ID,
		"status":           string(a.Status),
		"reasons":          a.Reasons,
		"reviewer_invoked": a.ReviewerInvoked,
	}
	if a.Status == StatusApproved {
		k.log.InfoWithDuration(cmd.OrgID, a.RunID, "Safety assessment approved", elapsed, fields)
	} else {
		k.log.Warn(cmd.OrgID, a.RunID, "Safety assessment did not approve", fields)
	}

	if k.audit == nil {
		return
	}
	chain := make([]interface{}, 0, len(a.Chain))
	for _, c := range a.Chain {
		chain = append(chain, map[string]interface{}{
			"stage":   c.Stage,
			"name":    c.Name,
			"verdict": string(c.Verdict),
			"reason":  c.Reason,
			"error":   c.Error,
		})
	}
	k.audit.Record(ctx, &audit.Event{
		OrgID:    cmd.OrgID,
		Actor:    "safety",
		Kind:     audit.KindSafetyReview,
		Object:   cmd.ID,
		Decision: string(a.Status),
		Reasons:  append([]string{}, a.Reasons...),
		After:    a.Map(),
		Metadata: map[string]interface{}{
			"runId":           a.RunID,
			"sessionId":       cmd.SessionID,
			"reviewerInvoked": a.ReviewerInvoked,
			"chain":           chain,
		},
	})
}

// stop records a gate or pre-filter decision and reports whether it ends
// the pipeline.
func (a *Assessment) stop(stage, name string, d Decision) bool {
	a.trace(stage, name, d.Verdict, d.Reason, nil)
	if d.Verdict == VerdictAllow {
		return false
	}
	reason := d.Reason
	if reason == "" {
		reason = name
	}
	a.conclude(statusFor(d.Verdict), []string{reason}, d.Mitigations)
	return true
}

func (a *Assessment) trace(stage, name string, v Verdict, reason string, err error) {
	e := ChainEntry{Stage: stage, Name: name, Verdict: v, Reason: reason}
	if err != nil {
		e.Error = err.Error()
	}
	a.Chain = append(a.Chain, e)
}

func (a *Assessment) conclude(status Status, reasons, mitigations []string) {
	a.Status = status
	a.Reasons = appendUnique(a.Reasons, reasons...)
	a.Mitigations = appendUnique(a.Mitigations, mitigations...)
}

// evaluate runs one filter, turning a panic into an error.
func evaluate(ctx context.Context, f Filter, in *Input) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", f.Name(), r)
		}
	}()
	d, err = f.Evaluate(ctx, in)
	if err == nil && d.Verdict == "" {
		err = fmt.Errorf("%s returned no verdict", f.Name())
	}
	return d, err
}

func statusFor(v Verdict) Status {
	switch v {
	case VerdictAllow:
		return StatusApproved
	case VerdictBlock:
		return StatusRejected
	default:
		return StatusNeedsHITL
	}
}

func verdictFor(s Status) Verdict {
	switch s {
	case StatusApproved:
		return VerdictAllow
	case StatusRejected:
		return VerdictBlock
	default:
		return VerdictNeedsHITL
	}
}

var severity = map[Status]int{StatusApproved: 0, StatusNeedsHITL: 1, StatusRejected: 2}

// stricter returns whichever status is more restrictive.
func stricter(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

func reasonOr(d Decision, f Filter) string {
	if d.Reason != "" {
		return d.Reason
	}
	return f.Name()
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		seen := false
		for _, existing := range dst {
			if existing == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}
