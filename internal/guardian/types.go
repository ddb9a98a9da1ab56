// Package guardian classifies untrusted platform content before it reaches
// the agent's model or motivates an outbound action.
//
// Two independent rule sets run over every text:
//
//	injection rules:   attempts to make the agent run commands, leak
//	                   secrets, switch persona, or drop its instructions.
//	                   The first match makes the text unsafe.
//	sensitivity rules: requests to change governance, on-chain
//	                   parameters, treasury, or deploy contracts. Any
//	                   match flags the text for human review without
//	                   blocking it.
//
// The classifier is a heuristic. Callers still wrap every text with the
// sanitize package before handing it to a model.
package guardian

// Injection rule identifiers, in evaluation order.
const (
	RuleBoundarySpoof       = "boundary_spoof"
	RuleHiddenUnicode       = "hidden_unicode"
	RuleInstructionOverride = "instruction_override"
	RuleRoleHijack          = "role_hijack"
	RuleKeyRequest          = "key_request"
	RulePromptLeak          = "prompt_leak"
	RuleCommandExecution    = "command_execution"
	RuleShellCommand        = "shell_command"
	RuleDataExfiltration    = "data_exfiltration"
)

// Sensitivity rule identifiers, in evaluation order.
const (
	RuleGovernanceChange = "governance_change"
	RuleOnChainParameter = "onchain_parameter"
	RuleTreasuryMovement = "treasury_movement"
	RuleContractDeploy   = "contract_deploy"
)

// ThreatReport is the result of classifying one text. It is never an error:
// hostile input is data.
type ThreatReport struct {
	// Safe is true iff no injection rule matched.
	Safe bool `json:"safe"`

	// Threats holds the description of the first matching injection rule.
	// Empty when Safe.
	Threats []string `json:"threats"`

	// RequiresHumanReview is true iff any sensitivity rule matched,
	// independent of Safe.
	RequiresHumanReview bool `json:"requires_human_review"`

	// RuleID identifies the injection rule behind Threats.
	RuleID string `json:"rule_id,omitempty"`

	// ReviewReasons describes every matching sensitivity rule.
	ReviewReasons []string `json:"review_reasons,omitempty"`

	// ReviewRules identifies every matching sensitivity rule.
	ReviewRules []string `json:"review_rules,omitempty"`
}

// rule is a single detection entry.
type rule struct {
	id          string
	description string
	match       func(text string) bool
}
