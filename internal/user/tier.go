package user

// Tier is the closed set of access levels. Unknown labels read from storage
// degrade to Basic through the total Level/MaxEnergy functions.
type Tier string

const (
	TierBasic  Tier = "Basic"
	TierSilver Tier = "Silver"
	TierGold   Tier = "Gold"
	TierAdmin  Tier = "Admin"
)

// TierNone marks a command as having no tier gate.
const TierNone Tier = ""

// Level orders tiers for access checks.
func (t Tier) Level() int {
	switch t {
	case TierSilver:
		return 1
	case TierGold:
		return 2
	case TierAdmin:
		return 3
	default:
		return 0
	}
}

// MaxEnergy is the energy cap for the tier.
func (t Tier) MaxEnergy() int {
	switch t {
	case TierSilver:
		return 250
	case TierGold:
		return 500
	case TierAdmin:
		return 9999
	default:
		return 100
	}
}

// Unlimited reports whether the tier is exempt from energy accounting.
func (t Tier) Unlimited() bool { return t == TierAdmin }
