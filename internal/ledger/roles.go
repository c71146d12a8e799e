package ledger

// Role names one privileged entrypoint class. Every mutating operation on
// the ledger takes a Capability and rejects callers that do not carry the
// role the operation demands.
type Role uint8

const (
	// RoleOrderFlow covers fill application and margin reservation on
	// behalf of resting and incoming orders.
	RoleOrderFlow Role = iota
	// RoleMarkPrice covers mark price updates.
	RoleMarkPrice
	// RoleMarketAdmin covers market registration and settlement.
	RoleMarketAdmin
	// RoleBridge covers cross-domain credit and debit.
	RoleBridge
	// RoleLiquidator covers forced position closure.
	RoleLiquidator
)

func (r Role) String() string {
	switch r {
	case RoleOrderFlow:
		return "ORDER_FLOW"
	case RoleMarkPrice:
		return "MARK_PRICE"
	case RoleMarketAdmin:
		return "MARKET_ADMIN"
	case RoleBridge:
		return "BRIDGE"
	case RoleLiquidator:
		return "LIQUIDATOR"
	default:
		return "UNKNOWN"
	}
}

// Capability is an unforgeable-by-convention token handed to internal
// components at wiring time. It is a value type so components cannot
// widen each other's grants.
type Capability struct {
	roles uint8
}

// NewCapability grants the listed roles.
func NewCapability(roles ...Role) Capability {
	var c Capability
	for _, r := range roles {
		c.roles |= 1 << r
	}
	return c
}

// Has reports whether the capability carries the role.
func (c Capability) Has(r Role) bool {
	return c.roles&(1<<r) != 0
}

func require(c Capability, r Role) error {
	if !c.Has(r) {
		return ErrUnauthorized
	}
	return nil
}
