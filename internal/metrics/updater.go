package metrics

import (
	"context"
	"log/slog"
)

// PendingSource reports the number of packages still awaiting an anchor.
type PendingSource interface {
	PendingAnchorCount() (int, error)
}

type Updater struct {
	source  PendingSource
	trigger chan struct{}
}

func NewUpdater(source PendingSource) *Updater {
	return &Updater{
		source: source,
		// buffered channel to avoid blocking and all we need to know is that "something"
		// has happened whilst we were busy
		trigger: make(chan struct{}, 1),
	}
}

func (u *Updater) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-u.trigger:
				u.UpdateMetrics()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (u *Updater) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
		// channel is full, so we don't need to do anything
	}
}

func (u *Updater) UpdateMetrics() {
	pending, err := u.source.PendingAnchorCount()
	if err != nil {
		slog.Error("failed to count pending anchors", "err", err)
		return
	}
	SetPendingAnchors(pending)
}
