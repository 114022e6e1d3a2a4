package policy

// Authorizer is one configured source of command authorization (a scoped
// allowlist, an owner list, an access group).
type Authorizer struct {
	Configured bool // the source exists in config
	Allowed    bool // the source authorizes this sender
}

// AuthorizerChain is the input to the command-authorization resolution.
type AuthorizerChain struct {
	UseAccessGroups bool
	Authorizers     []Authorizer
}

// ResolveCommandAuthorizedFromAuthorizers decides whether a sender may run
// control commands. With access groups disabled, anyone who passed channel
// policy is authorized. With access groups enabled, at least one configured
// authorizer must allow the sender; no configured authorizer means no
// authorization.
func ResolveCommandAuthorizedFromAuthorizers(chain AuthorizerChain) bool {
	if !chain.UseAccessGroups {
		return true
	}
	for _, a := range chain.Authorizers {
		if a.Configured && a.Allowed {
			return true
		}
	}
	return false
}
