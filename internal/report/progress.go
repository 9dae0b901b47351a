package report

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/NodePath81/fbspeed/internal/engine"
	"github.com/NodePath81/fbspeed/internal/util"
)

const (
	barWidth         = 20
	redrawInterval   = 100 * time.Millisecond
	clearToEndOfLine = "\033[K"
)

// Progress draws one terminal line per phase and redraws it in place.
type Progress struct {
	mu      sync.Mutex
	w       io.Writer
	now     func() time.Time
	last    time.Time
	phase   engine.Phase
	drawn   bool
	Disable bool
}

func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w, now: time.Now}
}

// Update is an engine.UpdateFunc.
func (p *Progress) Update(u engine.Update) {
	if p.Disable || u.Phase == engine.PhaseComplete || u.Phase == engine.PhaseIdle {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	samePhase := p.drawn && u.Phase == p.phase
	if samePhase && u.Progress < 100 && now.Sub(p.last) < redrawInterval {
		return
	}
	if p.drawn && !samePhase {
		fmt.Fprintln(p.w)
	}
	p.last = now
	p.phase = u.Phase
	p.drawn = true
	fmt.Fprintf(p.w, "\r[%-8s] %s %3.0f%% | %s%s", u.Phase, Bar(u.Progress, barWidth), clampPercent(u.Progress), phaseValue(u.Phase, u.CurrentSpeed), clearToEndOfLine)
}

// Finish ends the current line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}

// Bar renders percent (0..100) as a bar of width cells.
func Bar(percent float64, width int) string {
	filled := int(clampPercent(percent) / 100 * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func clampPercent(v float64) float64 {
	return util.ClampFloat(v, 0, 100)
}

func phaseValue(phase engine.Phase, value float64) string {
	if phase == engine.PhasePing {
		return fmt.Sprintf("%.0f ms", value)
	}
	return util.FormatMbps(value)
}
