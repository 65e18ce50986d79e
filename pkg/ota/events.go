package ota

import "github.com/backkem/espota/pkg/update"

// Events receives session lifecycle notifications. Methods are called from
// the goroutine running Server.Handle.
type Events interface {
	// OnStart is called once the flash transaction has begun.
	OnStart(cmd update.Command)
	// OnProgress reports bytes written out of the announced size.
	OnProgress(done, total uint32)
	// OnEnd is called after a verified commit.
	OnEnd()
	// OnError reports every failure, once per session.
	OnError(err *Error)
}

// EventFuncs adapts optional callbacks to Events.
type EventFuncs struct {
	Start    func(cmd update.Command)
	Progress func(done, total uint32)
	End      func()
	Error    func(err *Error)
}

// OnStart implements Events.
func (f EventFuncs) OnStart(cmd update.Command) {
	if f.Start != nil {
		f.Start(cmd)
	}
}

// OnProgress implements Events.
func (f EventFuncs) OnProgress(done, total uint32) {
	if f.Progress != nil {
		f.Progress(done, total)
	}
}

// OnEnd implements Events.
func (f EventFuncs) OnEnd() {
	if f.End != nil {
		f.End()
	}
}

// OnError implements Events.
func (f EventFuncs) OnError(err *Error) {
	if f.Error != nil {
		f.Error(err)
	}
}

type nopEvents struct{}

func (nopEvents) OnStart(update.Command)    {}
func (nopEvents) OnProgress(uint32, uint32) {}
func (nopEvents) OnEnd()                    {}
func (nopEvents) OnError(*Error)            {}
