package jobs

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// publish announces a state change. Delivery is best effort; watchers
// reload the document on subscribe, so a lost event only delays them.
func (q *Queue) publish(ctx context.Context, job *Job) {
	doc, err := json.Marshal(job)
	if err != nil {
		return
	}
	octx, cancel := q.op(context.WithoutCancel(ctx))
	defer cancel()
	if err := q.rdb.Publish(octx, eventsChannel(job.ID), doc).Err(); err != nil {
		q.logger.Debug("job event not published", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Watch streams the job's state, starting with the current one, until it
// reaches a terminal status or ctx ends. The job must belong to the tenant
// bound to ctx.
func (q *Queue) Watch(ctx context.Context, id string) (<-chan *Job, error) {
	if _, err := q.Status(ctx, id); err != nil {
		return nil, err
	}

	sub := q.rdb.Subscribe(ctx, eventsChannel(id))
	octx, cancel := q.op(ctx)
	_, err := sub.Receive(octx)
	cancel()
	if err != nil {
		_ = sub.Close()
		return nil, unavailable("watch", err)
	}
	// Reload after subscribing so no transition falls in between.
	current, err := q.Status(ctx, id)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan *Job, 8)
	go func() {
		defer close(out)
		defer sub.Close()

		send := func(j *Job) bool {
			select {
			case out <- j:
				return !j.Status.Terminal()
			case <-ctx.Done():
				return false
			}
		}
		if !send(current) {
			return
		}
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var j Job
				if err := json.Unmarshal([]byte(msg.Payload), &j); err != nil {
					q.logger.Warn("undecodable job event", zap.String("job_id", id), zap.Error(err))
					continue
				}
				if !send(&j) {
					return
				}
			}
		}
	}()
	return out, nil
}
