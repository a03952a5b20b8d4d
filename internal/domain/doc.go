// Package domain holds the core entity types shared across the sync
// engine, job queue, summarizer worker, and API layers. Types here carry
// no behavior beyond small helpers; persistence rules live in the
// repository layer.
package domain
