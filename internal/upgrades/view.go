package upgrades

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
)

// StatusView is what the status panel renders for the signed-in user.
type StatusView struct {
	Status      Status     `json:"status"`
	Role        roles.Role `json:"role"`
	TargetRole  roles.Role `json:"targetRole,omitempty"`
	RequestedAt *time.Time `json:"requestedAt,omitempty"`
	Elevated    bool       `json:"elevated"`
	CanSubmit   bool       `json:"canSubmit"`
	Message     string     `json:"message"`
}

// View derives the status panel from the resolved role and the user's request.
// An elevated role suppresses the call to action whatever the request says.
func View(role roles.Role, request *Request) StatusView {
	view := StatusView{Status: StatusNone, Role: role}
	if request != nil {
		view.Status = request.Status
		view.TargetRole = request.TargetRole
		requestedAt := request.RequestedAt
		view.RequestedAt = &requestedAt
	}

	if role.Elevated() {
		view.Elevated = true
		view.Message = fmt.Sprintf("Your account already has %s access.", role)
		return view
	}

	view.CanSubmit = view.Status != StatusPending
	switch view.Status {
	case StatusPending:
		view.Message = fmt.Sprintf("Your request for %s access is pending review.", view.TargetRole)
	case StatusApproved:
		view.Message = fmt.Sprintf("Your request for %s access was approved. Sign in again to use it.", view.TargetRole)
	case StatusRejected:
		view.Message = fmt.Sprintf("Your request for %s access was declined. You can submit a new request.", view.TargetRole)
	default:
		view.Message = fmt.Sprintf("You are signed in with %s access. Request owner or agent access to list properties.", role.Effective())
	}
	return view
}
