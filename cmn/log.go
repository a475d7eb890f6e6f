package cmn

import "github.com/golang/glog"

// LogObserverPanic isolates a panicking or misbehaving observer callback
// per spec.md §7: "Observer callbacks that themselves throw are isolated:
// the core logs via an implementer-chosen sink and continues; an observer
// failure must not abort task progression or leak into other subscribers."
func LogObserverPanic(who string, r interface{}) {
	glog.Errorf("observer %s panicked: %v", who, r)
}

// RecoverObserver runs fn and converts a panic into a logged error,
// never propagating it to the caller. The manager's observer fan-out,
// the processors' observer calls and completion-handler invocations go
// through this; the queue calls its single observer directly, without it.
func RecoverObserver(who string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			LogObserverPanic(who, r)
		}
	}()
	fn()
}

var V = glog.V
