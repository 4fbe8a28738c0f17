package auth

import (
	"context"

	autherrors "github.com/jrsteele09/dpop-auth-server/internal/errors"
	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/pkg/errors"
)

// DeviceAuthorization starts the device flow for a client (RFC 8628).
func (as *AuthorizationService) DeviceAuthorization(ctx context.Context, req oauthmodel.DeviceAuthorizationRequest) (*oauthmodel.DeviceAuthorizationResponse, error) {
	if err := as.checkTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}
	client, err := as.authenticateClient(ctx, req.TenantID, req.ClientID, req.ClientSecret, false)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrant(string(oauthmodel.DeviceCodeGrant)) {
		return nil, oauthmodel.UnauthorizedClient("client may not use the device code grant")
	}
	if err := client.ValidateScopes(req.Scope); err != nil {
		return nil, oauthmodel.InvalidScope("requested scope is not allowed for this client").WithCause(err)
	}

	code, err := as.deps.Devices.Start(ctx, req.TenantID, client.ID, req.Scope)
	if err != nil {
		return nil, oauthmodel.ServerError(errors.Wrap(err, "[AuthorizationService.DeviceAuthorization]"))
	}
	return as.deps.Devices.Response(code), nil
}

// ApproveDevice authenticates the user and approves the pending user code.
func (as *AuthorizationService) ApproveDevice(ctx context.Context, req oauthmodel.DeviceVerificationRequest) error {
	return as.decideDevice(ctx, req, true)
}

// DenyDevice authenticates the user and denies the pending user code.
func (as *AuthorizationService) DenyDevice(ctx context.Context, req oauthmodel.DeviceVerificationRequest) error {
	return as.decideDevice(ctx, req, false)
}

func (as *AuthorizationService) decideDevice(ctx context.Context, req oauthmodel.DeviceVerificationRequest, approve bool) error {
	if err := as.checkTenant(ctx, req.TenantID); err != nil {
		return err
	}
	if req.UserCode == "" {
		return oauthmodel.InvalidRequest("user_code is required")
	}
	userID, err := as.authenticateUser(ctx, req.TenantID, req.Username, req.Password)
	if err != nil {
		return err
	}

	if approve {
		_, err = as.deps.Devices.Approve(ctx, req.TenantID, req.UserCode, userID)
	} else {
		_, err = as.deps.Devices.Deny(ctx, req.TenantID, req.UserCode)
	}
	return deviceDecisionError(err)
}

func deviceDecisionError(err error) error {
	switch {
	case err == nil:
		return nil
	case autherrors.Is(err, autherrors.ErrNotFound):
		return oauthmodel.InvalidRequest("unknown user code")
	case autherrors.Is(err, autherrors.ErrExpired):
		return oauthmodel.ExpiredToken()
	case autherrors.Is(err, autherrors.ErrConflict):
		return oauthmodel.InvalidRequest("user code has already been decided")
	default:
		return oauthmodel.ServerError(errors.Wrap(err, "device decision"))
	}
}
