package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/calev/bookvec/internal/ingest"
)

// DefaultProgressEnabled reports whether stderr is a terminal; progress
// output is suppressed when piped.
func DefaultProgressEnabled() bool {
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// ingestProgress renders pipeline events as a progress bar with one line
// per finished document.
type ingestProgress struct {
	enabled bool
	bar     *progressbar.ProgressBar
}

func newIngestProgress(enabled bool) ingest.Reporter {
	if !enabled {
		return ingest.NopReporter{}
	}
	return &ingestProgress{enabled: true}
}

func (p *ingestProgress) RunStarted(total int) {
	if total <= 0 {
		return
	}
	p.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("ingesting"),
		progressbar.OptionSetWidth(32),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

func (p *ingestProgress) DocumentStarted(string) {}

func (p *ingestProgress) DocumentFinished(path string, chunks int, err error) {
	if p.bar != nil {
		_ = p.bar.Clear()
	}
	name := filepath.Base(path)
	if err != nil {
		color.Red("  ✗ %s: %v", name, err)
	} else {
		fmt.Fprintf(os.Stderr, "  %s %s (%d chunks)\n", color.GreenString("✓"), name, chunks)
	}
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

func (p *ingestProgress) RunFinished(stats ingest.Stats) {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// startSpinner shows an indeterminate spinner until the returned stop
// function is called.
func startSpinner(enabled bool, desc string) func() {
	if !enabled {
		return func() {}
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(9),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWidth(10),
		progressbar.OptionClearOnFinish(),
	)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(120 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = bar.Add(1)
			case <-done:
				_ = bar.Finish()
				return
			}
		}
	}()
	return func() { close(done) }
}
