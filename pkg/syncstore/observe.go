package syncstore

import (
	"context"
	"time"
)

// Transaction modes reported to an Observer
const (
	ModeView   = "view"
	ModeUpdate = "update"
)

// Observer is told about every finished transaction
type Observer func(mode string, err error, duration time.Duration)

type observed struct {
	Store
	observe Observer
}

// Observe wraps store so every View and Update is reported to fn
func Observe(store Store, fn Observer) Store {
	if fn == nil {
		return store
	}
	return &observed{Store: store, observe: fn}
}

func (o *observed) View(ctx context.Context, fn func(Tx) error) error {
	start := time.Now()
	err := o.Store.View(ctx, fn)
	o.observe(ModeView, err, time.Since(start))
	return err
}

func (o *observed) Update(ctx context.Context, fn func(Tx) error) error {
	start := time.Now()
	err := o.Store.Update(ctx, fn)
	o.observe(ModeUpdate, err, time.Since(start))
	return err
}
