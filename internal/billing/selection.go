package billing

import (
	"github.com/stripe/stripe-go/v82"

	"kinvest.ai/cloud/models"
)

// BestSubscription picks the subscription that describes a customer best.
// Active and trialing subscriptions beat every other status, then the most
// recently created wins, and the id breaks any remaining tie. Nil when subs
// is empty.
func BestSubscription(subs []*stripe.Subscription) *stripe.Subscription {
	var best *stripe.Subscription
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if best == nil || ranksAbove(sub, best) {
			best = sub
		}
	}
	return best
}

func ranksAbove(a, b *stripe.Subscription) bool {
	aLive := models.ParseSubscriptionStatus(string(a.Status)).Paying()
	bLive := models.ParseSubscriptionStatus(string(b.Status)).Paying()
	if aLive != bLive {
		return aLive
	}
	if a.Created != b.Created {
		return a.Created > b.Created
	}
	return a.ID > b.ID
}
