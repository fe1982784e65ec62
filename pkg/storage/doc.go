/*
Package storage persists function registrations and their code blobs in
BoltDB so the registry survives an orchestrator restart. It intentionally
stores nothing about running instances: those are always rebuilt cold.
*/
package storage
