// Package proxy defines and implements AppProxy: the interface between the
// sync engine and an application.
//
// The engine never interprets block payloads itself. It calls back into the
// application to fold blocks into entity state, to derive the entity a block
// affects, and to arbitrate governance conflicts that automatic
// reconciliation cannot resolve.
//
// InmemProxy integrates the engine as a regular Go dependency through native
// callback handlers. The dummy sub-package carries a minimal key=value
// application used in tests and demos.
package proxy
