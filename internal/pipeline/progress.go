package pipeline

import "math"

// Percent maps a frame index to a progress percentage in [0,100].
func Percent(frameIndex, totalFrames int) int {
	p := int(math.Round(float64(frameIndex) * 100 / float64(max(1, totalFrames-1))))
	return min(max(p, 0), 100)
}

// progress forwards monotonic percentages to a sink. 100 is held back for
// finish, which is called exactly once on every exit path. Not safe for
// concurrent use: only the sequential loop or the writer stage report.
type progress struct {
	sink  func(int)
	total int
	last  int
	done  bool
}

func newProgress(sink func(int), total int) *progress {
	return &progress{sink: sink, total: total}
}

func (p *progress) report(frameIndex int) {
	if p.sink == nil || p.done {
		return
	}
	v := max(min(Percent(frameIndex, p.total), 99), p.last)
	p.last = v
	p.sink(v)
}

func (p *progress) finish() {
	if p.done {
		return
	}
	p.done = true
	if p.sink != nil {
		p.sink(100)
	}
}
