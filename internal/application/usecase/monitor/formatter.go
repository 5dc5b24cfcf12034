package monitor

import (
	"fmt"
	"strings"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Formatter struct {
	Color bool
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderSnapshot
)

func (f *Formatter) paint(s, c string) string {
	if !f.Color {
		return s
	}
	return colorize(s, c)
}

func (f *Formatter) Render(st *State, mode RenderMode) string {
	v := st.view()

	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	sb.WriteString(f.paint("[HLS] ", ansiDim))
	sb.WriteString(f.counts("subs", v.subs))
	sb.WriteString(f.paint("  ||  ", ansiDim))
	sb.WriteString(f.counts("candles", v.streams))

	for _, c := range st.Candles() {
		sb.WriteString(f.paint("  ||  ", ansiDim))
		bs := v.bars[c.Key]

		px := "--"
		col := ansiYellow
		if bs.has {
			px = bs.str
			switch bs.dir {
			case DirUp:
				col = ansiGreen
			case DirDown:
				col = ansiRed
			}
		}
		sb.WriteString(c.Coin)
		sb.WriteString(" ")
		sb.WriteString(c.Interval)
		sb.WriteString(" ")
		sb.WriteString(f.paint(px, col))
	}

	if mode == RenderLive && f.Color {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}

func (f *Formatter) counts(label string, c counts) string {
	s := fmt.Sprintf("%s %d/%d", label, c.ok, c.total)
	switch {
	case c.err > 0:
		return f.paint(fmt.Sprintf("%s err=%d", s, c.err), ansiRed)
	case c.total > 0 && c.ok == c.total:
		return f.paint(s, ansiGreen)
	default:
		return f.paint(s, ansiYellow)
	}
}
