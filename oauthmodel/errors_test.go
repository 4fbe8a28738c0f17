package oauthmodel_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jrsteele09/dpop-auth-server/oauthmodel"
	"github.com/stretchr/testify/require"
)

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("rotate: %w", oauthmodel.InvalidGrant("refresh token reused"))

	require.True(t, errors.Is(err, oauthmodel.ErrInvalidGrant))
	require.False(t, errors.Is(err, oauthmodel.ErrInvalidRequest))

	oe := oauthmodel.AsError(err)
	require.Equal(t, oauthmodel.CodeInvalidGrant, oe.Code)
	require.Equal(t, http.StatusBadRequest, oe.Status)
}

func TestAsErrorFailsClosed(t *testing.T) {
	oe := oauthmodel.AsError(errors.New("redis: connection refused"))
	require.Equal(t, oauthmodel.CodeServerError, oe.Code)
	require.Equal(t, http.StatusInternalServerError, oe.Status)
	require.NotContains(t, oe.Description, "redis")
}

func TestValidatePKCE(t *testing.T) {
	tests := []struct {
		name    string
		params  oauthmodel.AuthorizationParameters
		wantErr bool
	}{
		{
			name: "valid S256",
			params: oauthmodel.AuthorizationParameters{
				ClientID: "c", RedirectURI: "https://app/cb",
				CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
				CodeChallengeMethod: oauthmodel.CodeMethodTypeS256,
			},
		},
		{
			name: "plain rejected",
			params: oauthmodel.AuthorizationParameters{
				ClientID: "c", RedirectURI: "https://app/cb",
				CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
				CodeChallengeMethod: "plain",
			},
			wantErr: true,
		},
		{
			name:    "missing challenge",
			params:  oauthmodel.AuthorizationParameters{ClientID: "c", RedirectURI: "https://app/cb", CodeChallengeMethod: oauthmodel.CodeMethodTypeS256},
			wantErr: true,
		},
		{
			name: "bad response type",
			params: oauthmodel.AuthorizationParameters{
				ClientID: "c", RedirectURI: "https://app/cb", ResponseType: "token",
				CodeChallenge:       "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
				CodeChallengeMethod: oauthmodel.CodeMethodTypeS256,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, oauthmodel.ErrInvalidRequest)
				return
			}
			require.NoError(t, err)
		})
	}
}
