// Package suppression implements the per-organization suppression list.
//
// An address on the list never receives an automated email from that
// organization. Entries come from hard bounces, spam complaints,
// unsubscribes and manual admin actions; the automation Gate checks the
// list before an execution is scheduled and the dispatch worker checks it
// again before each send.
//
// The service layer contains pure business logic and depends on the
// Repository interface defined in repository.go. It never imports
// net/http or database/sql directly.
package suppression
