package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/warden/modbot/internal/metrics"
	"github.com/warden/modbot/internal/modstore"
)

// deliver performs the platform call backing a committed action. The
// local record is already committed at this point: a failed call marks
// the action DELIVERY_FAILED and schedules bounded retries, it never
// rolls the resolution back or re-resolves it as something else.
func (c *Coordinator) deliver(ctx context.Context, action *modstore.Action, targetName string) {
	err := c.platformCall(ctx, action)
	if err == nil {
		if err := c.store.SetDeliveryState(ctx, action.ID, modstore.DeliveryDone); err != nil {
			log.Printf("[coordinator] mark delivered action=%d: %v", action.ID, err)
		}
		action.Delivery = modstore.DeliveryDone
		return
	}

	log.Printf("[coordinator] deliver %s for %s failed: %v", action.Kind, action.TargetID, err)
	if err := c.store.SetDeliveryState(ctx, action.ID, modstore.DeliveryFailed); err != nil {
		log.Printf("[coordinator] mark failed action=%d: %v", action.ID, err)
	}
	action.Delivery = modstore.DeliveryFailed
	go c.retryDelivery(*action)
}

// retryDelivery re-attempts the platform call with growing backoff. The
// retry runs against a copy of the action: the committed record's kind
// and target never change, only the delivery state.
func (c *Coordinator) retryDelivery(action modstore.Action) {
	for attempt := 1; attempt <= c.cfg.MaxDeliveryRetries; attempt++ {
		time.Sleep(c.cfg.RetryBackoff * time.Duration(attempt))
		metrics.DeliveryRetries.Inc()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.platformCall(ctx, &action)
		cancel()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.store.SetDeliveryState(ctx, action.ID, modstore.DeliveryDone); err != nil {
				log.Printf("[coordinator] mark delivered action=%d: %v", action.ID, err)
			}
			cancel()
			log.Printf("[coordinator] delivery retry %d for action=%d succeeded", attempt, action.ID)
			return
		}
		log.Printf("[coordinator] delivery retry %d/%d for action=%d: %v",
			attempt, c.cfg.MaxDeliveryRetries, action.ID, err)
	}

	// Retries exhausted: keep the record, mark it, and surface to the
	// acting staff member.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.SetDeliveryState(ctx, action.ID, modstore.DeliveryExhausted); err != nil {
		log.Printf("[coordinator] mark exhausted action=%d: %v", action.ID, err)
	}
	if action.StaffID != "" && action.StaffID != modstore.SystemActor {
		msg := fmt.Sprintf("Your %s of member %s could not be delivered to the platform after %d retries; the action record is kept.",
			action.Kind, action.TargetID, c.cfg.MaxDeliveryRetries)
		if err := c.platform.SendDM(ctx, action.StaffID, msg); err != nil {
			log.Printf("[coordinator] notify staff %s: %v", action.StaffID, err)
		}
	}
}

// platformCall maps an action kind to its platform API call. Direct
// messages to the target are best-effort: a member with closed DMs must
// not count as a delivery failure.
func (c *Coordinator) platformCall(ctx context.Context, action *modstore.Action) error {
	reason := action.Reason
	switch action.Kind {
	case modstore.ActionWarn:
		return c.platform.SendDM(ctx, action.TargetID,
			fmt.Sprintf("You have been warned. Reason: %s", reason))
	case modstore.ActionTimeout:
		d := time.Duration(action.DurationMinutes) * time.Minute
		if d <= 0 {
			d = time.Hour
		}
		return c.platform.Timeout(ctx, action.TargetID, d, reason)
	case modstore.ActionKick:
		if err := c.platform.SendDM(ctx, action.TargetID,
			fmt.Sprintf("You have been kicked. Reason: %s", reason)); err != nil {
			log.Printf("[coordinator] dm before kick %s: %v", action.TargetID, err)
		}
		return c.platform.Kick(ctx, action.TargetID, reason)
	case modstore.ActionBan:
		if err := c.platform.SendDM(ctx, action.TargetID,
			fmt.Sprintf("You have been banned. Reason: %s", reason)); err != nil {
			log.Printf("[coordinator] dm before ban %s: %v", action.TargetID, err)
		}
		return c.platform.Ban(ctx, action.TargetID, reason)
	case modstore.ActionUnban:
		return c.platform.Unban(ctx, action.TargetID, reason)
	case modstore.ActionDismiss:
		return nil
	}
	return fmt.Errorf("coordinator: unknown action kind %q", action.Kind)
}
