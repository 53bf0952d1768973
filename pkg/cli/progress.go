package cli

import (
	"io"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Progress draws one bar per manifest pass.
type Progress struct {
	p    *mpb.Progress
	bars []*mpb.Bar
}

// NewProgress creates a Progress writing to w. A nil w discards output.
func NewProgress(w io.Writer) *Progress {
	return &Progress{p: mpb.New(mpb.WithOutput(w), mpb.WithWidth(64))}
}

// Bar returns a callback that drives a bar labeled name. The bar is added
// on the first call, when the total is known. Calls must not overlap.
func (p *Progress) Bar(name string) func(done, total int) {
	var (
		bar  *mpb.Bar
		last time.Time
	)
	return func(done, total int) {
		if bar == nil {
			bar = p.p.AddBar(int64(total),
				mpb.PrependDecorators(
					decor.Name(name+": "),
					decor.CountersNoUnit("%d / %d"),
				),
				mpb.AppendDecorators(
					decor.Percentage(),
					decor.EwmaETA(decor.ET_STYLE_GO, 60),
				),
			)
			p.bars = append(p.bars, bar)
			last = time.Now()
		}
		now := time.Now()
		bar.EwmaSetCurrent(int64(done), now.Sub(last))
		last = now
	}
}

// Wait stops unfinished bars and flushes the output.
func (p *Progress) Wait() {
	for _, b := range p.bars {
		if !b.Completed() {
			b.Abort(false)
		}
	}
	p.p.Wait()
}
