// Package shell classifies command strings by risk and runs them as
// streamed subprocesses with timeouts and output caps.
package shell

import (
	"regexp"
	"strings"
	"time"

	"github.com/parleyhq/parley/pkg/protocol"
)

// Category buckets a shell command by what it can do to the machine.
type Category string

const (
	CategoryRead        Category = "read"
	CategoryWrite       Category = "write"
	CategoryDestructive Category = "destructive"
	CategoryBlocked     Category = "blocked"
)

// Record is the classification verdict for one command string.
type Record struct {
	Command          string
	Args             []string
	Category         Category
	RiskLevel        protocol.RiskLevel
	RequiresApproval bool
	Reason           string
	Timeout          time.Duration
	MaxBuffer        int
	Cwd              string
}

// Blocked reports whether the command must never be spawned.
func (r Record) Blocked() bool {
	return r.Category == CategoryBlocked
}

type pattern struct {
	re               *regexp.Regexp
	category         Category
	risk             protocol.RiskLevel
	requiresApproval bool
	reason           string
}

// nullRedirects strips discard redirections before matching so that
// "ls > /dev/null 2>&1" still classifies as a read.
var nullRedirects = regexp.MustCompile(`\d?>{1,2}\s*/dev/null|\d>&\d`)

// patternTable is evaluated top to bottom; the first match wins. Blocked
// patterns precede destructive, destructive precede write, write precede
// read, so the most dangerous reading of an ambiguous command applies.
var patternTable = []pattern{
	// Catastrophic, never executed.
	{regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?rm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf][a-zA-Z]*\s+/(\s*$|\*)`), CategoryBlocked, protocol.RiskCritical, true, "recursive delete of filesystem root"},
	{regexp.MustCompile(`\bdd\b.*\bof=/dev/(sd|hd|nvme|vd|disk|mmcblk)`), CategoryBlocked, protocol.RiskCritical, true, "raw write to block device"},
	{regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|vd|disk|mmcblk)`), CategoryBlocked, protocol.RiskCritical, true, "redirect onto block device"},
	{regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`), CategoryBlocked, protocol.RiskCritical, true, "filesystem creation"},
	{regexp.MustCompile(`\b(fdisk|parted|sgdisk|wipefs)\b`), CategoryBlocked, protocol.RiskCritical, true, "disk partitioning"},
	{regexp.MustCompile(`(^|[;&|]\s*)(sudo\s+)?(shutdown|halt|reboot|poweroff)\b`), CategoryBlocked, protocol.RiskCritical, true, "system shutdown"},
	{regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`), CategoryBlocked, protocol.RiskCritical, true, "fork bomb"},

	// Destructive, approval always required.
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*[rf]`), CategoryDestructive, protocol.RiskHigh, true, "recursive or forced delete"},
	{regexp.MustCompile(`\bgit\s+reset\s+--hard\b`), CategoryDestructive, protocol.RiskHigh, true, "hard git reset"},
	{regexp.MustCompile(`\bgit\s+clean\s+-[a-zA-Z]*f`), CategoryDestructive, protocol.RiskHigh, true, "git clean with force"},
	{regexp.MustCompile(`\b(kill|pkill|killall)\b`), CategoryDestructive, protocol.RiskMedium, true, "process kill"},
	{regexp.MustCompile(`\bdocker\s+(stop|kill|rm)\b`), CategoryDestructive, protocol.RiskMedium, true, "container stop or removal"},
	{regexp.MustCompile(`\b(systemctl\s+(stop|disable)|service\s+\S+\s+stop)\b`), CategoryDestructive, protocol.RiskMedium, true, "service stop"},
	{regexp.MustCompile(`>\s*/dev/(tty\S*|mem|kmem)`), CategoryDestructive, protocol.RiskHigh, true, "redirect onto device file"},

	// Mutating but routine, approval required.
	{regexp.MustCompile(`\b(npm|yarn|pnpm|bun)\s+(install|add|i)\b`), CategoryWrite, protocol.RiskMedium, true, "package install"},
	{regexp.MustCompile(`\bpip3?\s+install\b`), CategoryWrite, protocol.RiskMedium, true, "package install"},
	{regexp.MustCompile(`\b(apt-get|apt|yum|dnf|apk|brew)\s+(install|add|upgrade)\b`), CategoryWrite, protocol.RiskMedium, true, "package install"},
	{regexp.MustCompile(`\b(go\s+(get|install)|cargo\s+(install|add))\b`), CategoryWrite, protocol.RiskMedium, true, "package install"},
	{regexp.MustCompile(`\bcurl\b.*(\s-X\s*(POST|PUT|DELETE|PATCH)\b|\s(-d|--data|--data-\S+)\b)`), CategoryWrite, protocol.RiskMedium, true, "mutating HTTP request"},
	{regexp.MustCompile(`\bwget\b.*--(post-data|post-file|method=(put|post|delete))`), CategoryWrite, protocol.RiskMedium, true, "mutating HTTP request"},
	{regexp.MustCompile(`\bsed\s+(-[a-zA-Z]*\s+)*-[a-zA-Z]*i`), CategoryWrite, protocol.RiskMedium, true, "in-place file edit"},
	{regexp.MustCompile(`\bch(mod|own|grp)\b`), CategoryWrite, protocol.RiskLow, true, "permission or ownership change"},
	{regexp.MustCompile(`\b(touch|mkdir|mv|cp|ln)\b`), CategoryWrite, protocol.RiskLow, true, "file creation, move or copy"},
	{regexp.MustCompile(`>{1,2}`), CategoryWrite, protocol.RiskLow, true, "redirect to file"},

	// Read-only, runs without a gate.
	{regexp.MustCompile(`^\s*(ls|ll|pwd|whoami|id|uname|hostname|date|uptime|env|printenv|echo|printf)\b`), CategoryRead, protocol.RiskSafe, false, "inspection"},
	{regexp.MustCompile(`^\s*(cat|head|tail|less|more|wc|stat|file|tree|du|df|free)\b`), CategoryRead, protocol.RiskSafe, false, "inspection"},
	{regexp.MustCompile(`^\s*(grep|rg|ag|find|which|whereis|locate)\b`), CategoryRead, protocol.RiskSafe, false, "search"},
	{regexp.MustCompile(`^\s*(ps|top|htop|lsof|netstat|ss|vmstat|iostat)\b`), CategoryRead, protocol.RiskSafe, false, "process or resource inspection"},
	{regexp.MustCompile(`^\s*git\s+(status|log|diff|show|branch|remote|describe|rev-parse)\b`), CategoryRead, protocol.RiskSafe, false, "repository inspection"},
	{regexp.MustCompile(`^\s*(curl|wget|http)\b`), CategoryRead, protocol.RiskSafe, false, "read-only HTTP request"},
}

// Classify matches the command against the pattern table, first match
// wins. Unmatched commands default to write, medium risk, approval
// required. Classification is deterministic: the same string always yields
// the same record.
func Classify(command string) Record {
	normalized := nullRedirects.ReplaceAllString(command, "")
	rec := Record{
		Command: command,
		Args:    strings.Fields(command),
	}
	for i := range patternTable {
		p := &patternTable[i]
		if p.re.MatchString(normalized) {
			rec.Category = p.category
			rec.RiskLevel = p.risk
			rec.RequiresApproval = p.requiresApproval
			rec.Reason = p.reason
			return rec
		}
	}
	rec.Category = CategoryWrite
	rec.RiskLevel = protocol.RiskMedium
	rec.RequiresApproval = true
	rec.Reason = "unrecognized command, safe default"
	return rec
}

// DefaultTimeout is the per-category execution deadline used when the
// record carries none.
func (c Category) DefaultTimeout() time.Duration {
	switch c {
	case CategoryRead:
		return 30 * time.Second
	case CategoryDestructive:
		return 2 * time.Minute
	default:
		return time.Minute
	}
}
