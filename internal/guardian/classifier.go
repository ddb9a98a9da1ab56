package guardian

import (
	"regexp"
	"strings"

	"github.com/gzhole/moltshield/internal/sanitize"
	"github.com/gzhole/moltshield/internal/unicode"
)

// Classifier evaluates untrusted text against fixed, ordered rule tables.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	injection   []rule
	sensitivity []rule
}

// NewClassifier creates a classifier with the built-in rule tables.
func NewClassifier() *Classifier {
	return &Classifier{
		injection:   injectionRules(),
		sensitivity: sensitivityRules(),
	}
}

var defaultClassifier = NewClassifier()

// Classify runs the built-in classifier over text.
func Classify(text string) ThreatReport {
	return defaultClassifier.Classify(text)
}

// IsKeyRequest reports whether text asks the agent to hand over an API key,
// token, password, or other credential.
func IsKeyRequest(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return matchesAnyPattern(normalize(text), keyRequestPatterns)
}

// Classify evaluates every injection rule in order until one matches, then
// every sensitivity rule. Empty or whitespace-only text is always safe.
func (c *Classifier) Classify(text string) ThreatReport {
	report := ThreatReport{Safe: true, Threats: []string{}}
	if strings.TrimSpace(text) == "" {
		return report
	}

	// Hidden characters are judged on the raw text; everything else on the
	// folded form so invisible separators and homoglyphs cannot split a
	// keyword.
	raw := text
	norm := normalize(text)

	for _, r := range c.injection {
		in := norm
		if r.id == RuleHiddenUnicode {
			in = raw
		}
		if r.match(in) {
			report.Safe = false
			report.RuleID = r.id
			report.Threats = []string{r.description}
			break
		}
	}

	for _, r := range c.sensitivity {
		if r.match(norm) {
			report.RequiresHumanReview = true
			report.ReviewRules = append(report.ReviewRules, r.id)
			report.ReviewReasons = append(report.ReviewReasons, r.description)
		}
	}

	return report
}

func injectionRules() []rule {
	return []rule{
		{
			id:          RuleBoundarySpoof,
			description: "Content imitates the untrusted-content boundary marker",
			match:       sanitize.ContainsMarker,
		},
		{
			id:          RuleHiddenUnicode,
			description: "Content hides text with Unicode tag characters or bidirectional overrides",
			match: func(text string) bool {
				return !unicode.Scan(text).Clean
			},
		},
		{
			id:          RuleInstructionOverride,
			description: "Content tries to override prior instructions (e.g. 'ignore previous instructions')",
			match: func(text string) bool {
				return matchesAnyPattern(text, instructionOverridePatterns)
			},
		},
		{
			id:          RuleRoleHijack,
			description: "Content tries to switch the agent's persona or inject a system role",
			match: func(text string) bool {
				return matchesAnyPattern(text, roleHijackPatterns)
			},
		},
		{
			id:          RuleKeyRequest,
			description: "Content asks the agent to share an API key, token, or other credential",
			match: func(text string) bool {
				return matchesAnyPattern(text, keyRequestPatterns)
			},
		},
		{
			id:          RulePromptLeak,
			description: "Content asks the agent to reveal its system prompt or instructions",
			match: func(text string) bool {
				return matchesAnyPattern(text, promptLeakPatterns)
			},
		},
		{
			id:          RuleCommandExecution,
			description: "Content asks the agent to run a command or execute code",
			match: func(text string) bool {
				return matchesAnyPattern(text, commandExecutionPatterns)
			},
		},
		{
			id:          RuleShellCommand,
			description: "Content contains a dangerous shell command (sudo, rm -rf, pipe to shell)",
			match: func(text string) bool {
				return matchesAnyPattern(text, shellPatterns) || embeddedShellCommand(text) != ""
			},
		},
		{
			id:          RuleDataExfiltration,
			description: "Content asks the agent to send data to an external HTTP endpoint",
			match: func(text string) bool {
				return matchesAnyPattern(text, exfiltrationPatterns)
			},
		},
	}
}

func sensitivityRules() []rule {
	return []rule{
		{
			id:          RuleGovernanceChange,
			description: "Request to change governance, doctrine, or voting rules",
			match: func(text string) bool {
				return matchesAnyPattern(text, governancePatterns)
			},
		},
		{
			id:          RuleOnChainParameter,
			description: "Request to change on-chain or token parameters",
			match: func(text string) bool {
				return matchesAnyPattern(text, onChainPatterns)
			},
		},
		{
			id:          RuleTreasuryMovement,
			description: "Request to move or spend treasury funds",
			match: func(text string) bool {
				return matchesAnyPattern(text, treasuryPatterns)
			},
		},
		{
			id:          RuleContractDeploy,
			description: "Request to deploy a contract or mint assets",
			match: func(text string) bool {
				return matchesAnyPattern(text, deployPatterns)
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Injection patterns
// ---------------------------------------------------------------------------

var instructionOverridePatterns = compilePatterns([]string{
	`(?i)\b(ignore|disregard|forget|override|bypass|skip)\s+((all|any|the|your|of|my)\s+)*(previous|prior|above|earlier|preceding|original|initial|system)\s+(instructions?|rules?|prompts?|guidelines?|directives?|commands?|messages?)`,
	`(?i)\b(ignore|disregard|forget)\s+(all\s+|everything\s+)?(your|the)\s+(instructions?|rules?|guidelines?|programming|training|directives?)`,
	`(?i)\b(do\s+not|don'?t)\s+follow\s+(your|the)\s+((previous|original|prior)\s+)?(instructions?|rules?|guidelines?)`,
	`(?i)\bnew\s+instructions?\s*:`,
	`(?i)\boverride\s+(all\s+)?(your\s+)?(safety|security)\s+(rules?|protocols?|guidelines?|settings?|filters?)`,
	`(?i)\b(important|urgent|attention)\s*:\s*(ignore|disregard|override|forget)\b`,
})

var roleHijackPatterns = compilePatterns([]string{
	`(?i)\byou\s+are\s+(now|no\s+longer)\s+(a|an|the|my|in|free|unrestricted|unfiltered|jailbroken|dan)\b`,
	`(?i)\bfrom\s+now\s+on,?\s+you\s+(are|will|must|shall)\b`,
	`(?i)\bpretend\s+(to\s+be|you\s+are|you're)\b`,
	`(?i)\b(act|behave|respond)\s+as\s+(if\s+you\s+(are|were)\s+)?(a|an|my)\s+(different|new|unrestricted|unfiltered|jailbroken|evil)\b`,
	`(?i)\b(enter|enable|activate|switch\s+to)\s+(developer|dan|god|jailbreak|admin)\s+mode\b`,
	`(?im)^\s*(system|assistant|developer)\s*:`,
	`(?i)\[/?(inst|sys)\]`,
	`(?i)\[\s*(system|admin|operator)(\s+(message|notice|override))?\s*\]`,
	`(?i)<\|\s*(im_start|im_end|system|endoftext)\s*\|>`,
	`(?i)<<\s*sys\s*>>`,
	`(?i)\bbegin\s+hidden\s+instructions?\b`,
})

var keyRequestPatterns = compilePatterns([]string{
	`(?i)\b(share|send|give|tell|show|reveal|post|paste|dm|provide|leak|print|expose|hand\s+over|drop)\s+(me\s+|us\s+)?(your|the|ur|yer|their|its)\s+(\w+\s+){0,2}(api[\s_-]?keys?|secret[\s_-]?keys?|private[\s_-]?keys?|(access|auth|bearer|bot)[\s_-]?tokens?|tokens?|passwords?|passphrases?|credentials?|seed\s+phrases?|mnemonics?|env(ironment)?\s+(variables?|vars?|file)|\.env)\b`,
	`(?i)\bwhat\s*('?s|\s+is|\s+are)\s+(your|the|ur)\s+(\w+\s+)?(api[\s_-]?keys?|secret[\s_-]?keys?|private[\s_-]?keys?|(access|auth)[\s_-]?tokens?|passwords?|credentials?|seed\s+phrases?)\b`,
	`(?i)\b(cat|echo|printenv)\s+(\S*\.env\b|\$[A-Z_]*(KEY|TOKEN|SECRET)[A-Z_]*)`,
})

var promptLeakPatterns = compilePatterns([]string{
	`(?i)\b(show|reveal|display|print|output|repeat|share|leak|dump)\s+(me\s+|us\s+)?(your|the)\s+((system|initial|original|hidden|full)\s+)?(prompt|instructions|system\s+message)\b`,
	`(?i)\bwhat\s+(are|were)\s+your\s+((system|original|initial)\s+)?(instructions|rules|guidelines)\b`,
})

var commandExecutionPatterns = compilePatterns([]string{
	`(?i)\b(run|execute|exec|eval)\s+(this|the\s+following|these|that|the\s+below|my)\s+((shell|bash|terminal|python|js|javascript)\s+)?(command|code|script|snippet|payload)s?\b`,
	`(?i)\b(run|execute)\s+(the\s+)?(following|below)\s*:`,
	`(?i)\bopen\s+(a\s+|your\s+)?(terminal|shell|console)\s+and\b`,
	`(?i)\b(paste|type)\s+(this|the\s+following)\s+(in|into)\s+(your\s+)?(terminal|shell|console)\b`,
	`(?i)\b(eval|exec)\s*\(`,
})

var shellPatterns = compilePatterns([]string{
	`(?i)\bsudo\s+[a-z./-]`,
	`(?i)\brm\s+(-[a-z]*r[a-z]*f[a-z]*|-[a-z]*f[a-z]*r[a-z]*|--recursive\s+--force|--force\s+--recursive)\b`,
	`(?i)\b(curl|wget)\b[^\n|]*\|\s*(sudo\s+)?(ba|z|k|da)?sh\b`,
	`(?i)\bchmod\s+(-r\s+)?777\b`,
	`(?i)\bmkfs(\.\w+)?\s+/dev/`,
	`(?i)\bdd\s+if=\S+\s+of=/dev/`,
	`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
	`(?i)\$\(\s*(curl|wget|cat|bash|sh|nc|base64)\b[^)]*\)`,
})

var exfiltrationPatterns = compilePatterns([]string{
	`(?i)\b(curl|wget|http)\s+(-{1,2}[a-z-]+\s+(\S+\s+)?)*(-d|--data(-\w+)?|-F|--form|-T|--upload-file|--post-data|--post-file)\b`,
	`(?i)\b(curl|wget)\s+[^\n]*-X\s*(POST|PUT)\b`,
	`(?i)\b(send|post|upload|forward|exfiltrate|transmit|submit)\s+((it|them|this|that|everything|all)\s+|(the|your|ur)\s+(\w+\s+){0,3})to\s+(https?://|this\s+(url|link|webhook|endpoint|server)|my\s+(server|webhook|endpoint|url))`,
	`(?i)\b(webhook\.site|requestbin|pipedream\.net|ngrok(-free)?\.(io|app)|burpcollaborator|interact\.sh|oast\.(fun|pro|live))\b`,
	`(?i)\bfetch\s*\(\s*['"]https?://`,
})

// ---------------------------------------------------------------------------
// Sensitivity patterns
// ---------------------------------------------------------------------------

var governancePatterns = compilePatterns([]string{
	`(?i)\b(change|modify|update|alter|amend|rewrite|replace|override|abolish)\s+(the\s+|your\s+|our\s+|its\s+)?(governance|doctrine|constitution|charter|bylaws|voting\s+(rules?|power|weights?|period)|quorum)\b`,
	`(?i)\b(submit|create|pass|approve|execute|enact)\s+(a\s+|the\s+|this\s+|my\s+)?(new\s+)?(governance\s+)?proposal\b`,
	`(?i)\b(add|remove|replace)\s+(a\s+|the\s+)?(signer|council\s+member|admin|moderator)s?\b`,
})

var onChainPatterns = compilePatterns([]string{
	`(?i)\b(change|set|update|modify|adjust|raise|lower|increase|decrease)\s+(the\s+|our\s+|its\s+)?(on[\s-]?chain|token|protocol|contract|staking|minting|mint|bonding\s+curve)\s+(parameters?|params|settings|fees?|supply|owner(ship)?|rates?|limits?|caps?|tax(es)?)\b`,
	`(?i)\btransfer\s+(contract\s+|token\s+)?ownership\b`,
	`(?i)\b(upgrade|pause|unpause)\s+(the\s+)?(smart\s+)?contract\b`,
})

var treasuryPatterns = compilePatterns([]string{
	`(?i)\b(transfer|withdraw|send|move|drain|release|allocate|spend|bridge)\b[^.\n]{0,60}\b(treasury|multisig|multi-sig|vault|reserves?)\b`,
	`(?i)\btreasury\s+(funds?|withdrawal|transfer|allocation|payout)s?\b`,
})

var deployPatterns = compilePatterns([]string{
	`(?i)\b(deploy|launch|publish)\s+((a|the|this|new|my|our)\s+)*(smart\s+)?contracts?\b`,
	`(?i)\b(mint|airdrop)\s+(new\s+|more\s+|\d+\s+)?(tokens?|nfts?|coins?)\b`,
})

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		compiled[i] = regexp.MustCompile(p)
	}
	return compiled
}

func matchesAnyPattern(s string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}
