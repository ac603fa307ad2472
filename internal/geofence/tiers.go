package geofence

import "fmt"

// Tiers are the proximity thresholds in metres, loosest first.
var Tiers = []int{500, 400, 300, 200, 100, 30}

// TerminalTier is the final-call threshold.
const TerminalTier = 30

// TierFor returns the tightest tier whose threshold covers distanceM.
// ok is false when the bus is outside every tier.
func TierFor(distanceM int) (tier int, ok bool) {
    for _, t := range Tiers {
        if distanceM <= t && (!ok || t < tier) {
            tier, ok = t, true
        }
    }
    return tier, ok
}

// Decision is the outcome of one distance check for one student.
type Decision struct {
    Tier  int  // 0 when outside all tiers
    Send  bool // an addressed notification is due
    Write bool // stored state must change to Next
    Next  *int
}

// Decide applies the suppression rules to a distance and the last tier the
// student was notified for. Leaving all tiers re-arms notifications. A tier
// fires only when it is strictly tighter than the last one sent, and the
// terminal tier fires once per approach.
func Decide(distanceM int, last *int) Decision {
    tier, ok := TierFor(distanceM)
    if !ok {
        return Decision{Write: last != nil}
    }
    d := Decision{Tier: tier}
    if tier == TerminalTier {
        if last != nil && *last == TerminalTier { return d }
    } else if last != nil && tier >= *last {
        return d
    }
    next := tier
    d.Send, d.Write, d.Next = true, true, &next
    return d
}

// Text returns the notification title and body for a tier.
func Text(routeName string, tier, distanceM int) (title, body string) {
    if tier == TerminalTier {
        return fmt.Sprintf("Bus is HERE! (%dm)", distanceM),
            fmt.Sprintf("FINAL CALL! The bus for %s is at your stop. Please be ready!", routeName)
    }
    return fmt.Sprintf("Bus is ~%dm away!", tier),
        fmt.Sprintf("The bus for %s is approaching your stop. Current distance: %dm", routeName, distanceM)
}
