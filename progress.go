package ctag

import "github.com/pterm/pterm"

// ProgressReporter receives coarse progress events during a run. All output
// concerns live behind this interface so machine-readable modes can silence
// the terminal entirely.
type ProgressReporter interface {
	SetTotal(total int)
	Increment(n int)
	Message(msg string)
	Finish()
}

// NoopProgress discards all progress events.
type NoopProgress struct{}

func (NoopProgress) SetTotal(int)   {}
func (NoopProgress) Increment(int)  {}
func (NoopProgress) Message(string) {}
func (NoopProgress) Finish()        {}

// TermProgress renders a live progress bar on the terminal.
type TermProgress struct {
	bar   *pterm.ProgressbarPrinter
	title string
}

func NewTermProgress(title string) *TermProgress {
	return &TermProgress{title: title}
}

func (p *TermProgress) SetTotal(total int) {
	if p.bar != nil {
		p.bar.Total = total
		return
	}
	bar, err := pterm.DefaultProgressbar.WithTotal(total).WithTitle(p.title).Start()
	if err != nil {
		return
	}
	p.bar = bar
}

func (p *TermProgress) Increment(n int) {
	if p.bar != nil {
		p.bar.Add(n)
	}
}

func (p *TermProgress) Message(msg string) {
	pterm.Info.Println(msg)
}

func (p *TermProgress) Finish() {
	if p.bar != nil {
		_, _ = p.bar.Stop()
		p.bar = nil
	}
}
