// Package scheduler keeps the due-set of active jobs and owns the single
// timer slot every active job is multiplexed onto.
//
// The scheduler never runs jobs itself. On each fire it computes which jobs
// are due, advances their due times by one interval and hands the ids to a
// caller supplied callback, which must only launch the work.
package scheduler
