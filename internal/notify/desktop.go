package notify

import (
	"sync/atomic"

	"github.com/gen2brain/beeep"
)

// BeeepNotifier raises desktop notifications through the OS notification
// service. The permission is held by the caller's settings.
type BeeepNotifier struct {
	perm    atomic.Value
	appIcon string
}

// NewBeeepNotifier creates a notifier with the given initial permission.
func NewBeeepNotifier(perm Permission, appIcon string) *BeeepNotifier {
	n := &BeeepNotifier{appIcon: appIcon}
	n.perm.Store(perm)
	return n
}

func (n *BeeepNotifier) Permission() Permission {
	return n.perm.Load().(Permission)
}

// SetPermission records the user's answer to the permission prompt.
func (n *BeeepNotifier) SetPermission(p Permission) {
	n.perm.Store(p)
}

func (n *BeeepNotifier) Notify(title, body string) error {
	return beeep.Notify(title, body, n.appIcon)
}

// BeepPlayer plays the terminal/system beep.
type BeepPlayer struct {
	Freq     float64
	Duration int
}

// NewBeepPlayer uses beeep's default tone.
func NewBeepPlayer() *BeepPlayer {
	return &BeepPlayer{Freq: beeep.DefaultFreq, Duration: beeep.DefaultDuration}
}

func (p *BeepPlayer) Play() error {
	return beeep.Beep(p.Freq, p.Duration)
}

// Prime is silent: the system beep needs no unlock, but the dispatcher
// still gates playback on the first interaction.
func (p *BeepPlayer) Prime() error {
	return nil
}
