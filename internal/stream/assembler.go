// Package stream assembles the ordered event stream of one chat reply.
package stream

import (
	"context"
	"errors"
	"strings"

	"github.com/capitalize-ai/recovery-companion/internal/model"
	"github.com/capitalize-ai/recovery-companion/pkg/metrics"
)

var (
	// ErrTerminated is returned by sends after the terminal event.
	ErrTerminated = errors.New("stream already terminated")
	// ErrNoMetadata is returned when content is sent before the metadata event.
	ErrNoMetadata = errors.New("metadata event must be sent first")
)

// Assembler produces metadata, then content fragments in arrival order, then
// exactly one completion or error event into a bounded channel. A full
// channel blocks the producer until the consumer catches up or ctx ends.
//
// An Assembler has a single producer and is not safe for concurrent sends.
type Assembler struct {
	ctx context.Context
	ch  chan model.StreamEvent

	text     strings.Builder
	index    int
	opened   bool
	started  bool
	terminal bool
	closed   bool
}

// New creates an assembler whose channel holds at most buffer events.
func New(ctx context.Context, buffer int) *Assembler {
	if buffer < 0 {
		buffer = 0
	}
	return &Assembler{
		ctx: ctx,
		ch:  make(chan model.StreamEvent, buffer),
	}
}

// Events returns the consumer side of the stream. The channel is closed after
// the terminal event; closure is the end-of-stream sentinel.
func (a *Assembler) Events() <-chan model.StreamEvent {
	return a.ch
}

// Metadata emits the opening event. Only the first call has an effect.
func (a *Assembler) Metadata(ev model.MetadataEvent) error {
	if a.opened {
		return nil
	}
	if err := a.send(ev); err != nil {
		return err
	}
	a.opened = true
	return nil
}

// Content appends a fragment to the accumulated text and forwards it.
// Empty fragments are dropped.
func (a *Assembler) Content(fragment string) error {
	if fragment == "" {
		return nil
	}
	if !a.opened {
		return ErrNoMetadata
	}
	if a.terminal {
		return ErrTerminated
	}

	a.text.WriteString(fragment)
	// Once a fragment is accepted the caller may have seen output.
	a.started = true

	if err := a.send(model.ContentEvent{Text: fragment, Index: a.index}); err != nil {
		return err
	}
	a.index++
	return nil
}

// Finish builds the completion event from the accumulated text and emits it.
// build runs the detectors and side effects; its Text field is overwritten
// with the accumulated text.
func (a *Assembler) Finish(build func(text string) model.CompletionEvent) error {
	if a.terminal {
		return ErrTerminated
	}
	if !a.opened {
		return ErrNoMetadata
	}

	text := a.text.String()
	ev := build(text)
	ev.Text = text
	if ev.NextTasks == nil {
		ev.NextTasks = []model.Task{}
	}
	if ev.Actions == nil {
		ev.Actions = []model.Action{}
	}
	return a.terminate(ev)
}

// Fail emits the error event. Content already delivered stays delivered; no
// further content is accepted.
func (a *Assembler) Fail(ev model.ErrorEvent) error {
	if a.terminal {
		return ErrTerminated
	}
	if ev.Actions == nil {
		ev.Actions = []model.Action{}
	}
	return a.terminate(ev)
}

func (a *Assembler) terminate(ev model.StreamEvent) error {
	a.terminal = true
	return a.send(ev)
}

// Started reports whether any content fragment has been accepted.
func (a *Assembler) Started() bool {
	return a.started
}

// Terminated reports whether the terminal event has been attempted.
func (a *Assembler) Terminated() bool {
	return a.terminal
}

// Text returns the accumulated reply.
func (a *Assembler) Text() string {
	return a.text.String()
}

// Close closes the channel. It is safe to call more than once.
func (a *Assembler) Close() {
	if a.closed {
		return
	}
	a.closed = true
	close(a.ch)
}

func (a *Assembler) send(ev model.StreamEvent) error {
	// A cancelled consumer wins over a free buffer slot.
	if err := a.ctx.Err(); err != nil {
		return err
	}
	select {
	case <-a.ctx.Done():
		return a.ctx.Err()
	case a.ch <- ev:
		metrics.RecordStreamEvent(string(ev.Type()))
		return nil
	}
}
