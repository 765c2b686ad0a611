package notify

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/handiism/batch-downloader/internal/model"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// BarNotifier renders the ongoing notification as a single percentage bar.
// It suits the migration, which has one notification at a time.
type BarNotifier struct {
	out io.Writer

	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

// NewBarNotifier returns a notifier drawing on out.
func NewBarNotifier(out io.Writer) *BarNotifier {
	return &BarNotifier{out: out}
}

func (b *BarNotifier) UpdateNotification(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar == nil {
		b.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(b.out),
			progressbar.OptionSetWidth(40),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetRenderBlankState(true),
			progressbar.OptionShowCount(),
		)
	}
	b.bar.Describe(n.Text)
	_ = b.bar.Set(n.Percentage)
}

func (b *BarNotifier) StackNotification(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bar != nil {
		_ = b.bar.Finish()
		b.bar = nil
	}
	fmt.Fprintf(b.out, "\n%s: %s\n", n.Title, n.Text)
}

// BatchBars draws one mpb progress bar per batch from download status
// callbacks.
type BatchBars struct {
	progress *mpb.Progress
	out      io.Writer

	mu   sync.Mutex
	bars map[model.BatchID]*batchBar
}

type batchBar struct {
	bar   *mpb.Bar
	total int64
}

// NewBatchBars returns a multi-bar renderer on out.
func NewBatchBars(out io.Writer) *BatchBars {
	return &BatchBars{
		progress: mpb.New(
			mpb.WithOutput(out),
			mpb.WithRefreshRate(300*time.Millisecond),
			mpb.WithWidth(60),
		),
		out:  out,
		bars: make(map[model.BatchID]*batchBar),
	}
}

// Observe is a download status callback.
func (b *BatchBars) Observe(s model.DownloadBatchStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bb, ok := b.bars[s.BatchID]
	if !ok {
		if s.Status.IsTerminal() || s.Status == model.StatusError {
			return
		}
		bb = &batchBar{total: s.BytesTotalSize}
		title := s.Title
		bb.bar = b.progress.New(s.BytesTotalSize,
			mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding(" ").Rbound("]"),
			mpb.PrependDecorators(
				decor.Name(title, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Percentage(decor.WCSyncSpace),
			),
		)
		b.bars[s.BatchID] = bb
	}

	if s.BytesTotalSize != bb.total {
		bb.total = s.BytesTotalSize
		bb.bar.SetTotal(s.BytesTotalSize, false)
	}
	bb.bar.SetCurrent(s.BytesDownloaded)

	switch s.Status {
	case model.StatusDownloaded:
		bb.bar.SetTotal(s.BytesDownloaded, true)
		delete(b.bars, s.BatchID)
	case model.StatusError, model.StatusDeleted:
		bb.bar.Abort(false)
		delete(b.bars, s.BatchID)
	}
}

// Wait aborts unfinished bars and waits for rendering to stop.
func (b *BatchBars) Wait() {
	b.mu.Lock()
	for id, bb := range b.bars {
		bb.bar.Abort(false)
		delete(b.bars, id)
	}
	b.mu.Unlock()
	b.progress.Wait()
}
