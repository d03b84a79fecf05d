package opc

import (
	"testing"

	"github.com/gopcua/opcua/ua"
)

func endpointFixture() []*ua.EndpointDescription {
	return []*ua.EndpointDescription{
		{
			EndpointURL:       "opc.tcp://plc-01:4840/none",
			SecurityPolicyURI: ua.SecurityPolicyURINone,
			SecurityMode:      ua.MessageSecurityModeNone,
		},
		{
			EndpointURL:       "opc.tcp://plc-01:4840/sign",
			SecurityPolicyURI: ua.SecurityPolicyURIBasic256Sha256,
			SecurityMode:      ua.MessageSecurityModeSign,
		},
		{
			EndpointURL:       "opc.tcp://plc-01:4840/signencrypt",
			SecurityPolicyURI: ua.SecurityPolicyURIBasic256Sha256,
			SecurityMode:      ua.MessageSecurityModeSignAndEncrypt,
		},
	}
}

func TestSelectEndpoint(t *testing.T) {
	endpoints := endpointFixture()

	tests := []struct {
		name    string
		policy  string
		mode    string
		wantURL string
		wantNil bool
	}{
		{
			name:    "no policy prefers most secure",
			policy:  "",
			mode:    "",
			wantURL: "opc.tcp://plc-01:4840/signencrypt",
		},
		{
			name:    "exact policy and mode",
			policy:  "basic256sha256",
			mode:    "sign",
			wantURL: "opc.tcp://plc-01:4840/sign",
		},
		{
			name:    "policy name case insensitive",
			policy:  "Basic256Sha256",
			mode:    "signandencrypt",
			wantURL: "opc.tcp://plc-01:4840/signencrypt",
		},
		{
			name:    "policy none",
			policy:  "none",
			mode:    "none",
			wantURL: "opc.tcp://plc-01:4840/none",
		},
		{
			name:    "mode mismatch falls back to policy match",
			policy:  "basic256sha256",
			mode:    "none",
			wantURL: "opc.tcp://plc-01:4840/sign",
		},
		{
			name:    "unknown policy matches nothing",
			policy:  "basic256",
			mode:    "sign",
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectEndpoint(endpoints, tt.policy, tt.mode)
			if tt.wantNil {
				if got != nil {
					t.Errorf("selectEndpoint() = %v, want nil", got.EndpointURL)
				}
				return
			}
			if got == nil {
				t.Fatal("selectEndpoint() = nil")
			}
			if got.EndpointURL != tt.wantURL {
				t.Errorf("selectEndpoint() = %q, want %q", got.EndpointURL, tt.wantURL)
			}
		})
	}
}

func TestSelectEndpoint_Empty(t *testing.T) {
	if got := selectEndpoint(nil, "", ""); got != nil {
		t.Errorf("selectEndpoint(nil) = %v, want nil", got)
	}
}

func TestSecurityModeName(t *testing.T) {
	tests := []struct {
		mode ua.MessageSecurityMode
		want string
	}{
		{ua.MessageSecurityModeNone, "None"},
		{ua.MessageSecurityModeSign, "Sign"},
		{ua.MessageSecurityModeSignAndEncrypt, "SignAndEncrypt"},
		{ua.MessageSecurityMode(99), "Unknown(99)"},
	}
	for _, tt := range tests {
		if got := securityModeName(tt.mode); got != tt.want {
			t.Errorf("securityModeName(%d) = %q, want %q", tt.mode, got, tt.want)
		}
	}
}
