// Package commandqueue runs tasks in named lanes.
//
// Tasks in the same lane run one at a time in FIFO order; different lanes
// run concurrently. The agent uses one lane per session so that two turns
// for the same conversation never interleave their reads and writes of the
// session log.
//
//	q := commandqueue.New(logger)
//	defer q.Close()
//	v, err := q.Enqueue(ctx, "session-abc", func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
