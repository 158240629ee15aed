// Package schema defines the domain types persisted by the local store.
//
// The types mirror the rows of the products, cart_items, invoices,
// invoice_items and sync_metadata tables. Monetary amounts are carried as
// decimal strings (e.g. "10.00") and manipulated with shopspring/decimal so
// that no value ever passes through a float.
//
// Identifier rules:
//   - Product IDs are server-assigned canonical UUIDs.
//   - Invoice IDs are generated locally at creation time: local_<ms>_<random>.
//   - Invoice numbers are generated locally and never change: INV-<ms>-<hex>.
package schema
