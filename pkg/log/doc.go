/*
Package log provides structured logging built on zerolog.

Init must be called once at process start; everything else hangs off the
resulting global Logger. Components should not log through Logger directly —
take a child logger via WithComponent (or WithFunction / WithInstance when a
log line concerns one function or instance) so every line carries enough
structured context to filter on.
*/
package log
