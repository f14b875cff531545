package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/gookit/color"

	"github.com/mqy/minichat/protocol"
	"github.com/mqy/minichat/session"
)

const timeLayout = "15:04:05"

// renderer prints session changes as terminal lines.
type renderer struct {
	sync.Mutex

	out     io.Writer
	colours bool
	isMine  func(protocol.Message) bool
}

func (r *renderer) render(c session.Change) {
	var line string
	switch c.Kind {
	case session.MessageAppended:
		line = r.message(c.Message)
	case session.MessagesCleared:
		line = r.paint(color.Gray, "-- conversation cleared --")
	case session.TyperChanged:
		if c.Typer == "" {
			return
		}
		line = r.paint(color.Gray, fmt.Sprintf("%s is typing...", c.Typer))
	default:
		return
	}

	r.Lock()
	defer r.Unlock()
	_, _ = fmt.Fprintln(r.out, line)
}

func (r *renderer) message(m protocol.Message) string {
	author := m.Author
	style := color.Cyan
	if r.isMine(m) {
		author = "You"
		style = color.Green
	}

	prefix := ""
	if !m.SentAt.IsZero() {
		prefix = r.paint(color.Gray, "["+m.SentAt.Local().Format(timeLayout)+"] ")
	}
	return prefix + r.paint(style, author+":") + " " + m.Text
}

func (r *renderer) paint(c color.Color, s string) string {
	if !r.colours {
		return s
	}
	return c.Sprint(s)
}

func (r *renderer) header(s string) string {
	s = fmt.Sprintf("  ====== %s ======", s)
	if !r.colours {
		return s
	}
	return color.New(color.BgBlack, color.FgGreen).Render(s)
}
