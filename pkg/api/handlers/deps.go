package handlers

import (
	"chatrelay/pkg/delivery"
	"chatrelay/pkg/directory"
	"chatrelay/pkg/msglog"
)

// Deps carries the wired services handlers call into. Setup is invoked
// once at startup before any route serves traffic.
type Deps struct {
	Dir   *directory.Directory
	Msgs  *msglog.Log
	Coord *delivery.Coordinator
}

var deps Deps

// Setup installs the service dependencies for all handlers.
func Setup(d Deps) { deps = d }
