package billing

import (
	"sort"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"kinvest.ai/cloud/models"
)

// BetaAccessKey is the metadata flag that grants beta access.
const BetaAccessKey = "beta_access"

const (
	TagPayingCustomer = "paying_customer"
	TagWillCancel     = "will_cancel"
	TagDelinquent     = "delinquent"
)

var truthyValues = map[string]bool{"true": true, "1": true, "yes": true, "y": true, "on": true}

var falsyValues = map[string]bool{"": true, "false": true, "0": true, "no": true, "n": true, "off": true, "null": true}

func IsTruthy(value string) bool {
	return truthyValues[strings.ToLower(strings.TrimSpace(value))]
}

func isFalsy(value string) bool {
	return falsyValues[strings.ToLower(strings.TrimSpace(value))]
}

// TagInput is everything tag derivation looks at.
type TagInput struct {
	CustomerMetadata     map[string]string
	SubscriptionMetadata map[string]string
	Status               string
	CancelAtPeriodEnd    bool
	Delinquent           bool
}

// ExtractTagsFromMetadata flattens customer and subscription metadata into a
// sorted set of tags. Truthy values become the bare key, falsy values are
// dropped and anything else becomes key:value. Status tags are appended.
func ExtractTagsFromMetadata(in TagInput) []string {
	set := make(map[string]struct{})

	for _, md := range []map[string]string{in.CustomerMetadata, in.SubscriptionMetadata} {
		for key, value := range md {
			key = strings.ToLower(strings.TrimSpace(key))
			value = strings.TrimSpace(value)
			switch {
			case key == "":
			case IsTruthy(value):
				set[key] = struct{}{}
			case isFalsy(value):
			default:
				set[key+":"+value] = struct{}{}
			}
		}
	}

	if status := strings.ToLower(strings.TrimSpace(in.Status)); status != "" {
		set["status:"+status] = struct{}{}
		if models.ParseSubscriptionStatus(status).Paying() {
			set[TagPayingCustomer] = struct{}{}
		}
	}
	if in.CancelAtPeriodEnd {
		set[TagWillCancel] = struct{}{}
	}
	if in.Delinquent {
		set[TagDelinquent] = struct{}{}
	}

	if len(set) == 0 {
		return nil
	}
	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// BetaAccess is granted by a truthy beta_access flag on the subscription or,
// failing that, on the customer. A missing or canceled subscription never
// grants it.
func BetaAccess(sub *stripe.Subscription, customer *stripe.Customer) bool {
	if sub == nil {
		return false
	}
	if models.ParseSubscriptionStatus(string(sub.Status)) == models.SubscriptionCanceled {
		return false
	}
	if IsTruthy(sub.Metadata[BetaAccessKey]) {
		return true
	}
	return customer != nil && IsTruthy(customer.Metadata[BetaAccessKey])
}

func tagInput(customer *stripe.Customer, sub *stripe.Subscription) TagInput {
	var in TagInput
	if customer != nil {
		in.CustomerMetadata = customer.Metadata
		in.Delinquent = customer.Delinquent
	}
	if sub != nil {
		in.SubscriptionMetadata = sub.Metadata
		in.Status = string(sub.Status)
		in.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}
	return in
}
