// Package loadmonitor provides the LoadMonitor capability the execution
// engine pauses/resumes around each execution, so that metric sampling
// never attributes rebalance traffic to organic load (§6).
/*
 * Copyright (c) 2024, smtwilio. All rights reserved.
 */
package loadmonitor

import (
	"sync"

	"github.com/smtwilio/cruise-control/cmn"
)

// LoadMonitor is the external metric sampler collaborator (§6). It is
// intentionally narrow: the execution engine only ever pauses and resumes
// it, never reads samples from it directly.
type LoadMonitor interface {
	// PauseMetricSampling pauses sampling, attributing the pause to reason
	// in any audit trail the monitor keeps. May return cmn.ErrLoadMonitorNotReady
	// if the monitor cannot honor the request yet; the caller is expected to
	// retry after a backoff (§4.1 step 2).
	PauseMetricSampling(reason string) error
	// ResumeMetricSampling undoes a previous pause.
	ResumeMetricSampling(reason string)
}

// Poller is a default LoadMonitor implementation that records whether
// sampling is paused and the reason given for the last pause/resume. It does
// not run or call a sampler itself. It reports "not ready" only while its
// busy flag is set, and nothing in this package sets that flag, so
// PauseMetricSampling always succeeds.
type Poller struct {
	mu      sync.Mutex
	paused  bool
	busy    bool // when true, PauseMetricSampling returns cmn.ErrLoadMonitorNotReady
	lastWhy string
}

// NewPoller returns a ready, unpaused Poller.
func NewPoller() *Poller {
	return &Poller{}
}

func (p *Poller) PauseMetricSampling(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return cmn.ErrLoadMonitorNotReady
	}
	p.paused = true
	p.lastWhy = reason
	return nil
}

func (p *Poller) ResumeMetricSampling(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.lastWhy = reason
}

// Paused reports whether sampling is currently paused, for tests and status
// endpoints.
func (p *Poller) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}
