package admission

import (
	"github.com/google/uuid"
)

// DenyReason classifies why a login was not allowed
type DenyReason string

const (
	ReasonPendingApproval DenyReason = "pending_approval"
	ReasonDeviceLimit     DenyReason = "device_limit"
	ReasonSuspicious      DenyReason = "suspicious"
	ReasonNewDevice       DenyReason = "new_device"
)

// CheckRequest is one admission engine invocation. The caller has already
// verified the primary credential; this decides whether the login may
// proceed on this device.
type CheckRequest struct {
	AccountID         string `json:"account_id" validate:"required,uuid"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required,max=128"`
	DeviceName        string `json:"device_name" validate:"max=128"`
	UserAgent         string `json:"user_agent" validate:"max=512"`
}

// Decision is the admission verdict returned to the caller. Every denial
// carries a distinct human-readable message so the client can render the
// right call to action without its own decision logic.
type Decision struct {
	Allowed   bool       `json:"allowed"`
	Reason    DenyReason `json:"reason,omitempty"`
	Message   string     `json:"message"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	IsAdmin   bool       `json:"is_admin,omitempty"`
}

// Messages shown to the end user per verdict
const (
	msgAdminAllowed   = "Login allowed."
	msgTrustedDevice  = "Login allowed on a trusted device."
	msgFirstDevice    = "Login allowed. This device has been registered as your trusted device."
	msgPendingDevice  = "This device is awaiting administrator approval. Please try again once it has been approved."
	msgDeviceLimit    = "Another device is already active on this account. Ask an administrator to approve this device to switch."
	msgSuspicious     = "This login looks unusual and has been blocked. Please contact support."
	msgNewDevice      = "This is a new device for your account. An administrator has been asked to approve it."
)

func allow(message string, sessionID *uuid.UUID, isAdmin bool) *Decision {
	return &Decision{
		Allowed:   true,
		Message:   message,
		SessionID: sessionID,
		IsAdmin:   isAdmin,
	}
}

func deny(reason DenyReason, message string) *Decision {
	return &Decision{
		Allowed: false,
		Reason:  reason,
		Message: message,
	}
}
