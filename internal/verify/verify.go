// Package verify probes a freshly deployed service before a run may
// complete. A liveness failure fails the run; failing acceptance
// assertions withhold completion until a re-probe passes; header
// compliance degrades to warnings except in security-critical domains.
package verify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipd/internal/ledger"
)

const (
	checkLiveness   = "liveness"
	checkHeaders    = "security_headers"
	checkAssertions = "acceptance"

	// Findings reuse the validator's severity vocabulary.
	severityCritical = "critical"
	severityWarning  = "warning"
)

// securityCriticalDomains escalate header findings from warning to
// blocking.
var securityCriticalDomains = map[string]struct{}{
	"auth":     {},
	"payments": {},
	"security": {},
}

// requiredHeaders is the minimum response-header hygiene we expect from a
// deployed service.
var requiredHeaders = []string{
	"Strict-Transport-Security",
	"X-Content-Type-Options",
	"X-Frame-Options",
}

// Pipeline runs the post-deploy verification checks against a live base
// URL.
type Pipeline struct {
	client       *http.Client
	logger       *zap.Logger
	liveAttempts int
	liveDelay    time.Duration
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
}

// NewPipeline returns a verifier with bounded liveness retries.
func NewPipeline(logger *zap.Logger, liveAttempts int, liveDelay time.Duration) *Pipeline {
	if liveAttempts < 1 {
		liveAttempts = 1
	}
	return &Pipeline{
		client:       &http.Client{Timeout: 10 * time.Second},
		logger:       logger,
		liveAttempts: liveAttempts,
		liveDelay:    liveDelay,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Run probes the deployment and returns the recorded result. The liveness
// probe retries with doubling delay; everything after it runs once.
func (p *Pipeline) Run(ctx context.Context, snapshot *ledger.SpecSnapshot, baseURL string) (*ledger.VerificationResult, error) {
	res := &ledger.VerificationResult{RecordedAt: p.now().UTC()}
	base := strings.TrimRight(baseURL, "/")

	headers, err := p.probeLiveness(ctx, base, res)
	if err != nil {
		return nil, err
	}

	domain := ""
	specText := ""
	if snapshot != nil {
		domain = snapshot.Domain
		specText = snapshot.SpecText
	}
	p.checkHeaders(headers, domain, res)

	if err := p.checkAssertions(ctx, base, specText, res); err != nil {
		return nil, err
	}

	p.logger.Info("post-deploy verification finished",
		zap.String("base_url", base),
		zap.Bool("live", res.Live),
		zap.Bool("headers_ok", res.HeadersOK),
		zap.Bool("assertions_ok", res.AssertionsOK),
		zap.Int("issues", len(res.Issues)),
	)
	return res, nil
}

// probeLiveness hits the root until a 2xx/3xx response or attempts run
// out. It returns the headers of the last successful response for the
// compliance check.
func (p *Pipeline) probeLiveness(ctx context.Context, base string, res *ledger.VerificationResult) (http.Header, error) {
	var lastErr error
	for attempt := 1; attempt <= p.liveAttempts; attempt++ {
		status, headers, err := p.get(ctx, base+"/")
		switch {
		case err != nil:
			lastErr = err
		case status >= 200 && status < 400:
			res.Live = true
			return headers, nil
		default:
			lastErr = fmt.Errorf("status %d", status)
		}
		if attempt < p.liveAttempts {
			if err := p.sleep(ctx, ledger.RearmDelay(p.liveDelay, time.Minute, attempt)); err != nil {
				return nil, err
			}
		}
	}
	res.Live = false
	res.Issues = append(res.Issues, ledger.Issue{
		Check:    checkLiveness,
		Severity: severityCritical,
		Message:  fmt.Sprintf("deployment not live after %d attempts: %v", p.liveAttempts, lastErr),
	})
	return nil, nil
}

func (p *Pipeline) checkHeaders(headers http.Header, domain string, res *ledger.VerificationResult) {
	res.HeadersOK = true
	if headers == nil {
		return
	}
	severity := severityWarning
	if _, critical := securityCriticalDomains[domain]; critical {
		severity = severityCritical
	}
	for _, h := range requiredHeaders {
		if headers.Get(h) == "" {
			res.HeadersOK = false
			res.Issues = append(res.Issues, ledger.Issue{
				Check:    checkHeaders,
				Severity: severity,
				Message:  "missing response header " + h,
			})
		}
	}
}

func (p *Pipeline) checkAssertions(ctx context.Context, base, specText string, res *ledger.VerificationResult) error {
	res.AssertionsOK = true
	if !res.Live {
		// Nothing to probe against.
		res.AssertionsOK = false
		return nil
	}
	for _, a := range ParseAssertions(specText) {
		status, _, err := p.get(ctx, base+a.Path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res.AssertionsOK = false
			res.Issues = append(res.Issues, ledger.Issue{
				Check:    checkAssertions,
				Severity: severityWarning,
				Path:     a.Path,
				Message:  fmt.Sprintf("probe failed: %v", err),
			})
			continue
		}
		if status != a.StatusCode {
			res.AssertionsOK = false
			res.Issues = append(res.Issues, ledger.Issue{
				Check:    checkAssertions,
				Severity: severityWarning,
				Path:     a.Path,
				Message:  fmt.Sprintf("expected status %d, got %d", a.StatusCode, status),
			})
		}
	}
	return nil
}

func (p *Pipeline) get(ctx context.Context, url string) (int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, resp.Header, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
