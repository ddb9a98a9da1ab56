package guardian

import (
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*\\n?(.*?)```")
	inlineCodeRe  = regexp.MustCompile("`([^`\\n]+)`")
	promptLineRe  = regexp.MustCompile(`(?m)^\s*[$#]\s+(.+)$`)
)

var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "ksh": true, "dash": true,
}

// embeddedShellCommand extracts code-looking spans from text (fenced
// blocks, inline backticks, "$ " prompt lines), parses each as bash and
// returns a short description of the first dangerous call found, or "".
func embeddedShellCommand(text string) string {
	for _, span := range codeSpans(text) {
		if desc := dangerousCall(span); desc != "" {
			return desc
		}
	}
	return ""
}

func codeSpans(text string) []string {
	var spans []string
	for _, m := range fencedBlockRe.FindAllStringSubmatch(text, -1) {
		spans = append(spans, m[1])
	}
	// Inline spans are taken from the text with fenced blocks removed so a
	// fence's backticks are not paired up as inline code.
	rest := fencedBlockRe.ReplaceAllString(text, " ")
	for _, m := range inlineCodeRe.FindAllStringSubmatch(rest, -1) {
		spans = append(spans, m[1])
	}
	for _, m := range promptLineRe.FindAllStringSubmatch(rest, -1) {
		spans = append(spans, m[1])
	}
	return spans
}

func dangerousCall(src string) string {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(src), "")
	if err != nil {
		return ""
	}

	var found string
	syntax.Walk(file, func(node syntax.Node) bool {
		if found != "" {
			return false
		}
		switch n := node.(type) {
		case *syntax.BinaryCmd:
			if n.Op == syntax.Pipe || n.Op == syntax.PipeAll {
				left, right := callName(n.X), callName(n.Y)
				if (left == "curl" || left == "wget") && (shellInterpreters[right] || right == "sudo") {
					found = left + " piped to " + right
				}
			}
		case *syntax.CallExpr:
			found = checkCall(literalArgs(n))
		}
		return true
	})
	return found
}

// checkCall inspects one simple command's literal words.
func checkCall(args []string) string {
	if len(args) == 0 {
		return ""
	}
	name := args[0]
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	flags := shortFlags(args[1:])

	switch {
	case name == "sudo" || name == "doas":
		return name
	case name == "rm" && flags['r'] && flags['f']:
		return "rm -rf"
	case name == "chmod" && contains(args[1:], "777"):
		return "chmod 777"
	case name == "dd" || strings.HasPrefix(name, "mkfs"):
		return name
	case (name == "nc" || name == "ncat") && flags['e']:
		return name + " -e"
	case name == "eval":
		return "eval"
	case shellInterpreters[name] && flags['c']:
		return name + " -c"
	}
	return ""
}

func callName(stmt *syntax.Stmt) string {
	if stmt == nil {
		return ""
	}
	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return ""
	}
	args := literalArgs(call)
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func literalArgs(call *syntax.CallExpr) []string {
	args := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		args = append(args, w.Lit())
	}
	return args
}

// shortFlags collects single-letter flags, expanding "-rf" and the long
// forms of the flags checked above.
func shortFlags(args []string) map[rune]bool {
	flags := map[rune]bool{}
	for _, a := range args {
		switch {
		case a == "--recursive":
			flags['r'] = true
		case a == "--force":
			flags['f'] = true
		case strings.HasPrefix(a, "--"):
		case strings.HasPrefix(a, "-") && len(a) > 1:
			for _, r := range a[1:] {
				if r == 'R' {
					r = 'r'
				}
				flags[r] = true
			}
		}
	}
	return flags
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
