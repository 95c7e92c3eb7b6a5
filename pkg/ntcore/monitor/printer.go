package monitor

import (
	"io"

	"github.com/fatih/color"
)

var (
	connectedColor    = color.New(color.FgGreen)
	disconnectedColor = color.New(color.FgRed)
	pendingColor      = color.New(color.FgYellow)
)

// PrintEvent writes a one-line human-readable rendering of ev to w,
// colorized by connection state: green while connected, red once torn
// down, yellow for every in-between transitional state.
func PrintEvent(w io.Writer, ev Event) {
	if ev.Err != nil {
		disconnectedColor.Fprintf(w, "%s %s error: %v\n", kindLabel(ev.Kind), ev.Peer, ev.Err)
		return
	}
	if ev.Done {
		disconnectedColor.Fprintf(w, "%s %s subscription closed\n", kindLabel(ev.Kind), ev.Peer)
		return
	}

	switch ev.Kind {
	case PeerKind:
		c := pendingColor
		if ev.State.IsConnected() {
			c = connectedColor
		} else if ev.State == 0 {
			c = disconnectedColor
		}
		c.Fprintf(w, "%s %s state=%s timeout=%d\n", kindLabel(ev.Kind), ev.Peer, ev.State, ev.Timeout)
	case ValidationKind:
		c := pendingColor
		switch ev.VState.String() {
		case "NEW", "UPDATE":
			c = connectedColor
		case "REMOVE", "TIMEOUT":
			c = disconnectedColor
		}
		c.Fprintf(w, "%s %s state=%s timeout=%d\n", kindLabel(ev.Kind), ev.Peer, ev.VState, ev.Timeout)
	}
}

func kindLabel(k Kind) string {
	if k == ValidationKind {
		return "[validation]"
	}
	return "[peer]"
}
