// Package stats implements the periodic statistics line from spec.md §7:
// bytes/write-sets replicated and received, certification failures, store
// read-view failures, and flow-control-paused time. Grounded on
// original_source/examples/node/stats.c's print-loop shape.
package stats

import (
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/store"
)

// Printer periodically logs a snapshot of provider and Store counters.
type Printer struct {
	prov   provider.Provider
	store  *store.Store
	period time.Duration
	logger hclog.Logger
}

// New constructs a Printer. period <= 0 disables printing (Run returns
// immediately).
func New(p provider.Provider, st *store.Store, period time.Duration, logger hclog.Logger) *Printer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Printer{prov: p, store: st, period: period, logger: logger.Named("stats")}
}

// Run blocks, printing one line every period, until stop is closed.
func (p *Printer) Run(stop <-chan struct{}) {
	if p.period <= 0 {
		return
	}
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.printOnce()
		}
	}
}

func (p *Printer) printOnce() {
	s := p.prov.StatsGet()
	p.logger.Info("stats",
		"bytes_replicated", s.BytesReplicated,
		"writesets_replicated", s.WriteSetsReplicated,
		"bytes_received", s.BytesReceived,
		"writesets_received", s.WriteSetsReceived,
		"cert_failures", s.CertFailures,
		"flow_control_paused", time.Duration(s.FlowControlPaused),
		"gtid", p.store.CurrentGTID(),
		"read_view_failures", p.store.ReadViewFailures(),
	)
}
