// Package sync replicates the local store with the POS backend.
//
// The Orchestrator runs three steps: pull the product catalog, push
// pending invoices, and pull the authoritative invoice list. Each step is
// isolated; a failing step is logged and recorded in the sync log while
// the remaining steps still run. Only one cycle runs at a time; a call made
// while a cycle is in progress returns nil without doing anything.
//
// Invoices are pushed in a single bulk request. Successful invoices are
// marked SYNCED before any server-side rejections are reported, so partial
// success is never lost.
package sync
