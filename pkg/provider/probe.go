package provider

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"sttq/pkg/dispatch"
)

const (
	probeSystemPrompt = "You are an echo. Repeat exactly what you are told to."
	probeUserPrompt   = `Reply with "OK" and nothing else.`
)

// ProbeResult is the availability of one provider.
type ProbeResult struct {
	Provider  string
	Model     string
	Available bool
	Reply     string // set when the provider answered with something other than OK
	Err       error
	Latency   time.Duration
}

// Probe asks caller to reply OK. Any answer counts as available; an answer
// other than OK is kept in Reply for the report.
func Probe(ctx context.Context, caller dispatch.Caller, timeout time.Duration) (reply string, err error) {
	if timeout <= 0 {
		timeout = dispatch.DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := caller.Complete(ctx, probeSystemPrompt, probeUserPrompt)
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if strings.Contains(strings.ToUpper(out), "OK") {
		return "", nil
	}
	return out, nil
}

// ProbeAll probes every provider concurrently and returns results in the
// order of configs. Providers marked Failed are probed too, so a recovered
// account shows up as available.
func ProbeAll(ctx context.Context, configs []dispatch.ProviderConfig, connect func(dispatch.ProviderConfig) (dispatch.Caller, error)) []ProbeResult {
	results := make([]ProbeResult, len(configs))
	var g errgroup.Group
	for i, cfg := range configs {
		g.Go(func() error {
			res := ProbeResult{Provider: cfg.Name, Model: cfg.Model}
			start := time.Now()
			caller, err := connect(cfg)
			if err == nil {
				res.Reply, err = Probe(ctx, caller, cfg.Timeout)
			}
			res.Latency = time.Since(start)
			res.Err = err
			res.Available = err == nil
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}
