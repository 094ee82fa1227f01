package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"remindbot/internal/present"
	"remindbot/internal/schedule"
	"remindbot/internal/selector"
	"remindbot/internal/storage"
	"remindbot/internal/transport"
	"remindbot/pkg/logx"
)

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
)

// deliver sends every delivery of plan with a bounded worker pool. One
// failed destination never cancels the others.
func (o *Orchestrator) deliver(ctx context.Context, plan selector.Plan) Report {
	rep := Report{
		Date:       plan.Date,
		Override:   plan.Override,
		Deliveries: len(plan.Deliveries),
		Items:      plan.DueCount(),
	}
	if len(plan.Deliveries) == 0 {
		return rep
	}

	cfg := o.config()
	queue := make(chan selector.Delivery)
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for w := 0; w < min(cfg.Workers, len(plan.Deliveries)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range queue {
				res := o.sendOne(ctx, cfg, plan.Date, d)
				mu.Lock()
				switch res {
				case outcomeSent:
					rep.Sent++
				case outcomeSkipped:
					rep.Skipped++
				default:
					rep.Failed++
				}
				mu.Unlock()
			}
		}()
	}
	for _, d := range plan.Deliveries {
		queue <- d
	}
	close(queue)
	wg.Wait()
	return rep
}

func (o *Orchestrator) sendOne(ctx context.Context, cfg Config, date string, d selector.Delivery) outcome {
	start := time.Now()
	log := o.log.With(
		logx.String("tenant", d.Tenant),
		logx.String("kind", string(d.Kind)),
		logx.String("target", d.Target),
		logx.Int("items", len(d.Items)),
	)

	err := o.limiter.Wait(ctx)
	if err == nil {
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err = o.send(sctx, date, d)
		cancel()
	}

	res := outcomeSent
	switch {
	case err == nil:
		log.Debug("delivery sent", logx.Duration("dur", time.Since(start)))
	case errors.Is(err, transport.ErrDestinationLookup):
		res = outcomeSkipped
		log.Warn("destination lookup failed; skipped", logx.Err(err))
	default:
		res = outcomeFailed
		log.Warn("delivery failed", logx.Err(err), logx.Duration("dur", time.Since(start)))
	}

	e := storage.AuditEntry{
		Kind:   storage.KindDelivery,
		Actor:  ActorFrom(ctx),
		Tenant: d.Tenant,
		Action: string(d.Kind),
		Target: d.Target,
		Items:  len(d.Items),
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	o.appendAudit(ctx, e)
	return res
}

func (o *Orchestrator) send(ctx context.Context, date string, d selector.Delivery) error {
	cards := present.BuildAll(d.Items)
	switch d.Kind {
	case selector.KindChannel:
		return o.platform.SendToChannel(ctx, d.Tenant, d.Target, present.ChannelText(date, len(d.Items)), cards)
	case selector.KindDirect:
		target := strings.TrimSpace(d.Target)
		if target == "" || target == schedule.UnknownCreator {
			return errors.Wrap(transport.ErrMemberNotFound, "no creator id")
		}
		if _, err := o.platform.LookupMember(ctx, d.Tenant, target); err != nil {
			if !errors.Is(err, transport.ErrDestinationLookup) {
				err = errors.Mark(err, transport.ErrDestinationLookup)
			}
			return err
		}
		return o.platform.SendDirectMessage(ctx, d.Tenant, target, present.DirectText(date, len(d.Items)), cards)
	default:
		return errors.Newf("unknown delivery kind %q", d.Kind)
	}
}
