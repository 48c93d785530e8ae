package control

// LogInjector accepts every gesture and only logs it. It is the default on
// hosts without an input backend.
type LogInjector struct{}

func (LogInjector) Tap(x, y float32) bool {
	log.Info("tap", "x", x, "y", y)
	return true
}

func (LogInjector) PerformGlobalAction(action GlobalAction) bool {
	log.Info("global action", "action", action.String())
	return true
}
