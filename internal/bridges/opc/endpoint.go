package opc

import (
	"fmt"
	"strings"

	"github.com/gopcua/opcua/ua"
)

// policyURIs maps config security policy names to OPC-UA policy URIs.
// The empty name means "any"; selection then prefers the most secure
// endpoint the server offers.
var policyURIs = map[string]string{
	"none":           ua.SecurityPolicyURINone,
	"basic128rsa15":  ua.SecurityPolicyURIBasic128Rsa15,
	"basic256":       ua.SecurityPolicyURIBasic256,
	"basic256sha256": ua.SecurityPolicyURIBasic256Sha256,
	"":               "",
}

// selectEndpoint picks the server endpoint matching the configured
// security policy and mode.
//
// With no policy configured the most secure endpoint wins. With a
// policy but no exact mode match, any endpoint carrying the policy is
// accepted.
//
// Parameters:
//   - endpoints: Endpoints advertised by the server
//   - policy: Config policy name ("none", "basic256sha256", ... or "")
//   - mode: Config mode name ("none", "sign", "signandencrypt" or "")
//
// Returns:
//   - *ua.EndpointDescription: The selected endpoint, nil if none match
func selectEndpoint(endpoints []*ua.EndpointDescription, policy, mode string) *ua.EndpointDescription {
	targetURI := policyURIs[strings.ToLower(policy)]

	var targetMode ua.MessageSecurityMode
	switch strings.ToLower(mode) {
	case "sign":
		targetMode = ua.MessageSecurityModeSign
	case "signandencrypt":
		targetMode = ua.MessageSecurityModeSignAndEncrypt
	case "none", "":
		targetMode = ua.MessageSecurityModeNone
	}

	// No policy configured: prefer the most secure endpoint.
	if targetURI == "" {
		var best *ua.EndpointDescription
		for _, ep := range endpoints {
			if best == nil || ep.SecurityMode > best.SecurityMode {
				best = ep
			}
		}
		return best
	}

	for _, ep := range endpoints {
		if ep.SecurityPolicyURI == targetURI {
			if targetMode == 0 || ep.SecurityMode == targetMode {
				return ep
			}
		}
	}

	// Fallback: any endpoint with the requested policy.
	for _, ep := range endpoints {
		if ep.SecurityPolicyURI == targetURI {
			return ep
		}
	}

	return nil
}

// securityModeName renders a security mode for log output.
func securityModeName(mode ua.MessageSecurityMode) string {
	switch mode {
	case ua.MessageSecurityModeNone:
		return "None"
	case ua.MessageSecurityModeSign:
		return "Sign"
	case ua.MessageSecurityModeSignAndEncrypt:
		return "SignAndEncrypt"
	default:
		return fmt.Sprintf("Unknown(%d)", mode)
	}
}
