// Package sandbox provides the execution-environment capabilities.
//
// The sandbox package drives per-user isolated environments through an
// environment provider (Docker or Podman, via the container CLI) and
// exposes the capability components built on top of it: the identity
// registry resolving sandbox ids to live environment handles, the
// execution engine for code and shell commands, the package manager, and
// file transfer including the archive-based retrieval protocol.
//
// Each capability is an independent component behind its own type;
// authorization happens upstream, in the manager package, before any
// capability here is invoked.
package sandbox
