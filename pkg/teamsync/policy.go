// Copyright 2024-2026 Aiku AI

package teamsync

// DefaultPolicyKey is the team_sync entry applied to teams without their own.
const DefaultPolicyKey = "all"

// Kind selects which part of a policy IsEligible checks.
type Kind string

const (
	KindChannel Kind = "channel"
	KindUser    Kind = "user"
)

// TeamSyncPolicy controls whether and which items of a team are bridged.
type TeamSyncPolicy struct {
	Enabled  bool          `yaml:"enabled"`
	Channels ChannelPolicy `yaml:"channels"`
	Users    UserPolicy    `yaml:"users"`
}

type ChannelPolicy struct {
	// Enabled defaults to true when unset.
	Enabled     *bool    `yaml:"enabled,omitempty"`
	Whitelist   []string `yaml:"whitelist,omitempty"`
	Blacklist   []string `yaml:"blacklist,omitempty"`
	AliasPrefix string   `yaml:"alias_prefix,omitempty"`
}

type UserPolicy struct {
	// Enabled defaults to true when unset.
	Enabled *bool `yaml:"enabled,omitempty"`
}

func (p *TeamSyncPolicy) channelsEnabled() bool {
	return p.Channels.Enabled == nil || *p.Channels.Enabled
}

func (p *TeamSyncPolicy) usersEnabled() bool {
	return p.Users.Enabled == nil || *p.Users.Enabled
}

type compiledPolicy struct {
	policy    TeamSyncPolicy
	whitelist map[string]struct{}
	blacklist map[string]struct{}
}

// PolicyFilter answers eligibility questions from a fixed policy table.
// It is immutable after construction and safe for concurrent use.
type PolicyFilter struct {
	teams    map[string]*compiledPolicy
	fallback *compiledPolicy
}

// NewPolicyFilter compiles a team_sync table. The DefaultPolicyKey entry, if
// present, becomes the fallback for teams without an explicit entry.
func NewPolicyFilter(policies map[string]TeamSyncPolicy) *PolicyFilter {
	pf := &PolicyFilter{teams: make(map[string]*compiledPolicy, len(policies))}
	for key, policy := range policies {
		cp := compilePolicy(policy)
		if key == DefaultPolicyKey {
			pf.fallback = cp
		} else {
			pf.teams[key] = cp
		}
	}
	return pf
}

func compilePolicy(policy TeamSyncPolicy) *compiledPolicy {
	cp := &compiledPolicy{policy: policy}
	if policy.Channels.Whitelist != nil {
		cp.whitelist = toSet(policy.Channels.Whitelist)
	}
	if policy.Channels.Blacklist != nil {
		cp.blacklist = toSet(policy.Channels.Blacklist)
	}
	return cp
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (pf *PolicyFilter) lookup(teamID string) *compiledPolicy {
	if pf == nil {
		return nil
	}
	if cp, ok := pf.teams[teamID]; ok {
		return cp
	}
	return pf.fallback
}

// IsEligible resolves the policy for a team and checks it. kind and itemID
// are optional; an empty kind only checks the team-level enable flag.
//
// For channels the blacklist is checked first and wins over the whitelist.
// With a whitelist present, only whitelisted channels pass. With neither
// list, every channel passes.
func (pf *PolicyFilter) IsEligible(teamID string, kind Kind, itemID string) (*TeamSyncPolicy, bool) {
	cp := pf.lookup(teamID)
	if cp == nil || !cp.policy.Enabled {
		return nil, false
	}
	switch kind {
	case KindChannel:
		if !cp.policy.channelsEnabled() {
			return nil, false
		}
		if itemID != "" {
			if _, blocked := cp.blacklist[itemID]; blocked {
				return nil, false
			}
			if cp.whitelist != nil {
				if _, allowed := cp.whitelist[itemID]; !allowed {
					return nil, false
				}
			}
		}
	case KindUser:
		if !cp.policy.usersEnabled() {
			return nil, false
		}
	}
	policy := cp.policy
	return &policy, true
}
