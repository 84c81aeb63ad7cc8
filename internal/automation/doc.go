// Package automation is the email automation rule engine.
//
// For every CRM trigger event the Engine loads the org's active rules,
// matches them against the event (trigger config, then conditions under the
// rule's AND/OR logic), vetoes matches through the frequency and
// suppression Gate, picks an A/B variant, computes the send time and writes
// one Execution per admitted match to the Ledger. The Dispatcher is the
// boundary used by senders: it leases due executions and records outcomes.
//
// Condition evaluation, matching and variant selection are pure. All I/O
// goes through the interfaces in store.go.
package automation
