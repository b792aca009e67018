package unso

import "context"

// NoticeHook receives a Notice for every event this instance appends.
// Hooks run in their own goroutine, one notice at a time, in append order.
// Failures are logged and never affect the job.
type NoticeHook interface {
	OnNotice(ctx context.Context, n Notice) error
}
