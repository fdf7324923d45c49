package main

import (
	"io"

	"github.com/moltenlabs/cabal/agent"
)

// eventWriter prints events as JSON lines in their wire envelope.
type eventWriter struct {
	w io.Writer
}

func newEventWriter(w io.Writer) *eventWriter { return &eventWriter{w: w} }

func (e *eventWriter) write(ev agent.Event) error {
	b, err := agent.MarshalEvent(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = e.w.Write(b)
	return err
}
