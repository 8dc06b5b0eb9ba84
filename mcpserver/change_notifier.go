package mcpserver

import "github.com/ggoodman/mcp-bridge-go/internal/events"

// ChangeSource is implemented by sources whose listing can change.
type ChangeSource interface {
	// Subscribe registers fn to run after every change. fn must not block.
	Subscribe(fn func()) (unsubscribe func())
}

// ChangeNotifier fans a change signal out to subscribers. The zero value is
// ready to use.
type ChangeNotifier struct {
	bus events.Bus[struct{}]
}

var _ ChangeSource = (*ChangeNotifier)(nil)

// Notify runs every subscriber on the calling goroutine.
func (cn *ChangeNotifier) Notify() { cn.bus.Publish(struct{}{}) }

func (cn *ChangeNotifier) Subscribe(fn func()) (unsubscribe func()) {
	return cn.bus.Subscribe(func(struct{}) { fn() })
}

// Subscribers reports the number of live subscriptions.
func (cn *ChangeNotifier) Subscribers() int { return cn.bus.Len() }
