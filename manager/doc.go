// Package manager provides the sandbox orchestration service.
//
// The manager aggregates the capability components — ownership store,
// identity registry, execution engine, package manager, file transfer —
// behind one service type composed by aggregation, with each capability
// independently testable behind its own interface.
//
// Every operation addressed at a sandbox id passes through the
// authorization gate before any capability is invoked; the gate is
// fail-closed and decides purely from the persisted ownership record.
// Batch deletion evaluates each id independently so one entry's fault
// never cancels processing of the rest.
package manager
