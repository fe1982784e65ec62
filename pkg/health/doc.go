/*
Package health provides availability probes used to decide whether an
instance can take traffic. The orchestrator's only checker in practice is
HTTPChecker against a sandbox's /health endpoint, but the Checker interface
stays generic so other probe kinds can be added without touching call sites.
*/
package health
