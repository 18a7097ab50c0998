package rbac

// Role constants
const (
	RoleClient  = "client"
	RolePartner = "partner"
	RoleSystem  = "system"
)

// Permission constants
const (
	PermCreateRequest    = "create_request"
	PermCancelRequest    = "cancel_request"
	PermAcceptOffer      = "accept_offer"
	PermPublishOffer     = "publish_offer"
	PermRejectRound      = "reject_round"
	PermDeliver          = "deliver"
	PermApproveDelivery  = "approve_delivery"
	PermDisputeDelivery  = "dispute_delivery"
	PermRequestExtension = "request_extension"
	PermResolveExtension = "resolve_extension"
	PermSweepRequests    = "sweep_requests"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleClient: {
		PermCreateRequest, PermCancelRequest, PermAcceptOffer,
		PermApproveDelivery, PermDisputeDelivery, PermResolveExtension,
	},
	RolePartner: {
		PermPublishOffer, PermRejectRound, PermDeliver, PermRequestExtension,
	},
	RoleSystem: {
		PermCancelRequest, PermApproveDelivery, PermResolveExtension,
		PermSweepRequests,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsMoneyMoving reports whether the permission settles or refunds
// escrowed funds. These run only through the lifecycle service.
func IsMoneyMoving(permission string) bool {
	return permission == PermAcceptOffer ||
		permission == PermApproveDelivery ||
		permission == PermCancelRequest
}
