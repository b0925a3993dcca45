// Package model defines the ledger's boundary types and its error taxonomy.
//
// Every other package (clock, receipt, witness, handoff, verifier, store) speaks
// in these types. They are the only structs intended for direct JSON
// serialization by consumers such as dashboards and the scoring module, which
// only ever read receipts or supply payload content.
package model
