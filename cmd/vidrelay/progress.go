package main

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/nyxvid/vidrelay/internal/proto"
)

// progressBar renders a single-line, terminal-width-aware progress
// bar, overwriting itself with \r; the width comes from term.GetSize
// and falls back to 80 columns when it is unknown or too small.
type progressBar struct {
	fd      int
	drawn   bool
}

func newProgressBar() *progressBar {
	return &progressBar{fd: int(os.Stdout.Fd())}
}

func (b *progressBar) draw(p proto.Progress) {
	width, _, err := term.GetSize(b.fd)
	if err != nil || width < 20 {
		width = 80
	}

	label := fmt.Sprintf(" %d/%d  %.1f fps  eta %.0fs", p.FramesProcessed, p.FramesTotal, p.FPS, p.ETASeconds)
	barWidth := width - len(label) - 3
	if barWidth < 10 {
		barWidth = 10
	}

	frac := 0.0
	if p.FramesTotal > 0 {
		frac = float64(p.FramesProcessed) / float64(p.FramesTotal)
	}
	filled := int(frac * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}

	bar := "[" + strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled) + "]"
	fmt.Printf("\r%s%s", bar, label)
	b.drawn = true
}

func (b *progressBar) finish() {
	if b.drawn {
		fmt.Println()
	}
}
