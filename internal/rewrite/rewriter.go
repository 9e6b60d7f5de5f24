package rewrite

import (
	"log/slog"
)

// Stats counts reference outcomes for one rewritten document.
type Stats struct {
	Proxied   int
	Unchanged int
	Skipped   int
}

func (s *Stats) add(o Outcome) {
	switch o {
	case Proxied:
		s.Proxied++
	case Skipped:
		s.Skipped++
	default:
		s.Unchanged++
	}
}

// Rewriter rewrites HTML and CSS documents. It holds no per-document state
// and is safe for concurrent use.
type Rewriter struct {
	logger *slog.Logger
}

// New creates a Rewriter.
func New(logger *slog.Logger) *Rewriter {
	return &Rewriter{logger: logger.With("component", "rewriter")}
}

// pass is the state of rewriting one document.
type pass struct {
	rc     Context
	stats  Stats
	logger *slog.Logger
}

func (r *Rewriter) newPass(rc Context) *pass {
	return &pass{rc: rc, logger: r.logger}
}

// ref resolves one reference, records its outcome and reports whether it
// was rewritten.
func (p *pass) ref(raw string) (string, bool) {
	out, outcome := p.rc.Resolve(raw)
	p.stats.add(outcome)
	if outcome == Skipped {
		p.logger.Debug("reference left unchanged",
			"value", raw,
			"base", p.rc.Base.String(),
		)
	}
	return out, outcome == Proxied
}
