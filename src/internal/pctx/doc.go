// Package pctx builds the contexts datumfetch passes around.
//
// A context from this package carries a logger (see the log package).  Binaries get their root
// context from Background; everything else is derived from it, either with the usual
// context.WithTimeout and friends or with Child, which also renames the logger.  Names nest with
// dots, so a transport stream opened during a fetch logs as "datumfetch.fetch.transport".
//
// Tests use TestContext.
package pctx
