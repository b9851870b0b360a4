package sink

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/Emmyhack/osem-sub002/internal/domain/event"
	"github.com/Emmyhack/osem-sub002/internal/domain/model"
)

// microUnits is the number of base units per whole USDC.
const microUnits = 1_000_000

type notificationTemplate struct {
	Type    model.NotificationType
	Title   string
	Message func(p map[string]any) string
}

var templates = map[event.Kind]notificationTemplate{
	event.KindGroupCreated: {
		Type:  model.NotificationGroupCreated,
		Title: "Group Created Successfully",
		Message: func(map[string]any) string {
			return "Your savings group has been created and is open for members."
		},
	},
	event.KindMemberJoined: {
		Type:  model.NotificationMemberJoined,
		Title: "New Member Joined",
		Message: func(map[string]any) string {
			return "A new member has joined your savings group."
		},
	},
	event.KindContributionMade: {
		Type:  model.NotificationContributionMade,
		Title: "Contribution Received",
		Message: func(p map[string]any) string {
			return fmt.Sprintf("A contribution of %s USDC has been made to your group.", formatUSDC(p["amount"]))
		},
	},
	event.KindGracePeriodStarted: {
		Type:  model.NotificationGracePeriodStarted,
		Title: "Payment Grace Period",
		Message: func(p map[string]any) string {
			if until, ok := formatUnixDate(p["grace_until"]); ok {
				return fmt.Sprintf("Your contribution is overdue. Please pay before %s to avoid a slash.", until)
			}
			return "Your contribution is overdue. Please pay before the grace period ends to avoid a slash."
		},
	},
	event.KindMemberSlashed: {
		Type:  model.NotificationMemberSlashed,
		Title: "Payment Slashed from Stake",
		Message: func(p map[string]any) string {
			return fmt.Sprintf("%s USDC was slashed from your stake for a missed contribution.", formatUSDC(p["slash_amount"]))
		},
	},
	event.KindPayoutReleased: {
		Type:  model.NotificationPayoutReleased,
		Title: "Payout Received!",
		Message: func(p map[string]any) string {
			return fmt.Sprintf("You received a payout of %s USDC.", formatUSDC(p["net_amount"]))
		},
	},
	event.KindGroupFinalized: {
		Type:  model.NotificationGroupCompleted,
		Title: "Group Completed!",
		Message: func(p map[string]any) string {
			if score, ok := p["final_trust_score"]; ok {
				return fmt.Sprintf("Your savings group has completed all cycles. Final trust score: %v.", score)
			}
			return "Your savings group has completed all cycles."
		},
	},
}

// recipientFields is the lookup order for the notified party.
var recipientFields = []string{"creator", "member", "contributor", "recipient", "group"}

func recipientOf(payload map[string]any) string {
	for _, f := range recipientFields {
		if v, ok := payload[f].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// formatUSDC renders a base-unit amount with up to six decimals. Values that
// are not integers are returned as given.
func formatUSDC(v any) string {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		s = strconv.Itoa(t)
	case int64:
		s = strconv.FormatInt(t, 10)
	case uint64:
		s = strconv.FormatUint(t, 10)
	case nil:
		return "0"
	default:
		return fmt.Sprint(v)
	}

	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return s
	}
	sign := ""
	if n.Sign() < 0 {
		sign = "-"
		n.Neg(n)
	}
	whole, frac := new(big.Int).QuoRem(n, big.NewInt(microUnits), new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	fs := strings.TrimRight(fmt.Sprintf("%06s", frac.String()), "0")
	return sign + whole.String() + "." + fs
}

func formatUnixDate(v any) (string, bool) {
	var secs int64
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return "", false
		}
		secs = n
	case float64:
		secs = int64(t)
	case int64:
		secs = t
	case int:
		secs = int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return "", false
		}
		secs = n
	default:
		return "", false
	}
	if secs <= 0 {
		return "", false
	}
	return time.Unix(secs, 0).UTC().Format("2006-01-02 15:04 UTC"), true
}
