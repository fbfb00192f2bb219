// Package cellrun runs shell commands and sandboxed Lua scripts on behalf of
// request/response clients that poll for incremental output.
package cellrun

// Version is the release version, overridden at build time via -ldflags.
var Version = "dev"
