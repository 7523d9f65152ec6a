package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/JBJLogic/Potato-Market/messagelog"
	"github.com/JBJLogic/Potato-Market/room"
)

// terminal renders a chat room as plain lines. It is both the room view
// and the message log renderer.
type terminal struct {
	mu       sync.Mutex
	out      io.Writer
	lines    int // message lines printed so far
	sendable bool

	redirected chan string
	once       sync.Once
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out, redirected: make(chan string, 1)}
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) Notify(level room.Level, message string) {
	t.printf("[%s] %s\n", level, message)
}

// Redirect reports the fallback view once; the caller shuts down on it.
func (t *terminal) Redirect(path string) {
	t.once.Do(func() {
		t.printf("-> %s\n", path)
		t.redirected <- path
	})
}

func (t *terminal) ClearInput() {}

func (t *terminal) SetSendEnabled(enabled bool) {
	t.mu.Lock()
	t.sendable = enabled
	t.mu.Unlock()
}

func (t *terminal) SetHeader(h messagelog.Header) {
	t.printf("== #%d %s (%s) with %s ==\n", h.RoomID, h.ProductName, h.Price, h.Counterpart)
}

func (t *terminal) SetConnectionState(s room.State) {
	t.printf("-- %s --\n", s)
}

func (t *terminal) RenderAll(views []messagelog.View) {
	for _, v := range views {
		t.RenderAppend(v)
	}
}

func (t *terminal) RenderEmpty() {
	t.printf("%s\n", messagelog.EmptyText)
}

func (t *terminal) RenderAppend(v messagelog.View) {
	t.mu.Lock()
	t.lines++
	t.mu.Unlock()
	t.printf("%s\n", line(v))
}

// RenderUpdate reprints a message whose pending copy was confirmed.
func (t *terminal) RenderUpdate(index int, v messagelog.View) {
	t.printf("%s (#%d)\n", line(v), index+1)
}

// RenderRemove reports a pending message that was never sent.
func (t *terminal) RenderRemove(index int) {
	t.mu.Lock()
	t.lines--
	t.mu.Unlock()
	t.printf("x message #%d not sent\n", index+1)
}

// Reprint writes the whole log again, e.g. after the screen scrolled away.
func (t *terminal) Reprint(views []messagelog.View) {
	t.printf("-- %d messages --\n", len(views))
	for _, v := range views {
		t.printf("%s\n", line(v))
	}
}

func (t *terminal) ScrollToBottom() {}

func line(v messagelog.View) string {
	who := "<"
	if v.Outbound {
		who = ">"
	}
	status := ""
	if v.Pending {
		status = " ..."
	}
	return fmt.Sprintf("%s [%s] %s%s", who, v.TimeText, v.Text, status)
}
