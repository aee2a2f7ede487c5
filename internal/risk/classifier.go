// Package risk classifies commands into risk tiers and decides, per session
// mode, whether a classified action may proceed.
package risk

import (
	"regexp"
	"strings"

	"github.com/rendis/riskflow/pkg/schema"
)

// Whole-command patterns checked before the command is split into segments,
// because they span pipes or separators.
var wholeCommandDestructive = []*regexp.Regexp{
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),          // fork bomb
	regexp.MustCompile(`(curl|wget)\s[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh(\s|$)`), // fetch piped into a shell
}

var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|\s)rm\s+(.*\s)?(-[a-z]*r[a-z]*|--recursive)(\s|$)`),
	regexp.MustCompile(`(^|\s)(rmdir|shred|wipe|wipefs|fdisk|sfdisk|parted|format|unlink)(\s|$)`),
	regexp.MustCompile(`(^|\s)mkfs(\.[a-z0-9]+)?(\s|$)`),
	regexp.MustCompile(`(^|\s)dd\s+.*if=`),
	regexp.MustCompile(`of=/dev/`),
	regexp.MustCompile(`>\s*/dev/(sd|hd|vd|xvd|nvme|mmcblk|disk)`),
	regexp.MustCompile(`(^|\s)find\s.*\s-delete(\s|$)`),
	regexp.MustCompile(`(^|\s)git\s+clean\s+-[a-z]*f`),
	regexp.MustCompile(`^del\s`),
}

var (
	urlPattern     = regexp.MustCompile(`(https?|ftp)://`)
	gitNetwork     = regexp.MustCompile(`^git\s+(clone|pull|fetch|push|ls-remote)(\s|$)`)
	installPattern = regexp.MustCompile(`^(npm|pnpm|yarn|pip|pip3|pipx|apt|apt-get|yum|dnf|zypper|apk|pacman|brew|cargo|gem|go|composer|snap|choco|winget)\s+(install|add|get|update|upgrade|i|-s|-sy|-syu)(\s|$)`)
	dockerNetwork  = regexp.MustCompile(`^(docker|podman)\s+(pull|push|login|search)(\s|$)`)
	gitReadOnly    = regexp.MustCompile(`^git\s+(status|log|diff|show|branch|remote\s+-v|rev-parse|describe)(\s|$)`)
	gitLocal       = regexp.MustCompile(`^git\s+(add|commit|checkout|switch|stash|init|merge|restore|tag|rebase)(\s|$)`)
	buildLocal     = regexp.MustCompile(`^(go\s+(build|test|vet|fmt|run|mod\s+tidy)|npm\s+(run|test|ci)|cargo\s+(build|test|check|run|fmt)|make|cmake)(\s|$)`)
	redirection    = regexp.MustCompile(`(^|[^0-9&])>>?|(^|\s)tee(\s|$)`)
	redirectTarget = regexp.MustCompile(`>>?\s*([^\s;|&<>]+)`)
	assignment     = regexp.MustCompile(`^[a-z_][a-z0-9_]*=\S*$`)
	segmentSplit   = regexp.MustCompile(`&&|\|\||;|\||\n`)
)

var systemPaths = []string{"/etc", "/usr", "/bin", "/sbin", "/boot", "/lib", "/lib64", "/var", "/sys", "/proc", "/dev", "/opt", "/root"}

// Device files that are routinely written to and change nothing.
var harmlessDevices = map[string]bool{
	"/dev/null": true, "/dev/stdout": true, "/dev/stderr": true, "/dev/tty": true,
}

var mutatingUtilities = map[string]bool{
	"rm": true, "mv": true, "cp": true, "ln": true, "chmod": true, "chown": true, "chgrp": true,
	"tee": true, "dd": true, "truncate": true, "install": true, "mkdir": true, "touch": true,
	"sed": true, "echo": true, "cat": true, "printf": true,
}

var privilegeEscalation = map[string]bool{"sudo": true, "doas": true, "su": true, "pkexec": true}

var systemChangeUtilities = map[string]bool{
	"chmod": true, "chown": true, "chgrp": true, "chattr": true, "setfacl": true,
	"useradd": true, "userdel": true, "usermod": true, "adduser": true, "deluser": true,
	"groupadd": true, "groupdel": true, "groupmod": true, "passwd": true, "visudo": true,
	"systemctl": true, "service": true, "launchctl": true, "initctl": true,
	"ufw": true, "iptables": true, "ip6tables": true, "nft": true, "firewall-cmd": true,
	"mount": true, "umount": true, "fsck": true, "tune2fs": true, "resize2fs": true,
	"crontab": true, "sysctl": true, "modprobe": true, "insmod": true, "rmmod": true,
	"kill": true, "pkill": true, "killall": true, "shutdown": true, "reboot": true, "halt": true,
	"sudo": true, "doas": true, "su": true, "pkexec": true,
}

var networkUtilities = map[string]bool{
	"curl": true, "wget": true, "ssh": true, "scp": true, "sftp": true, "ftp": true, "rsync": true,
	"ping": true, "nc": true, "netcat": true, "telnet": true, "dig": true, "nslookup": true,
	"npx": true, "http": true, "aria2c": true,
}

var infoUtilities = map[string]bool{
	"ls": true, "pwd": true, "cat": true, "head": true, "tail": true, "less": true, "more": true,
	"grep": true, "egrep": true, "fgrep": true, "rg": true, "wc": true, "echo": true, "printf": true,
	"whoami": true, "id": true, "date": true, "uptime": true, "env": true, "printenv": true,
	"ps": true, "top": true, "df": true, "du": true, "free": true, "which": true, "whereis": true,
	"type": true, "uname": true, "hostname": true, "stat": true, "file": true, "tree": true,
	"history": true, "man": true, "lsblk": true, "lscpu": true, "find": true,
}

var safeUtilities = map[string]bool{
	"mkdir": true, "touch": true, "cp": true, "mv": true, "ln": true, "cd": true, "tee": true,
	"tar": true, "zip": true, "unzip": true, "gzip": true, "gunzip": true, "sort": true,
	"uniq": true, "cut": true, "tr": true, "sed": true, "awk": true, "diff": true, "jq": true,
	"basename": true, "dirname": true, "sleep": true, "test": true, "true": true, "false": true,
	"echo": true, "cat": true, "printf": true,
}

// Classify maps a command line to a risk tier. It is pure and total: the same
// text always yields the same tier and unrecognized commands are unknown.
// Compound commands take the most dangerous tier of their segments, with any
// destructive segment making the whole command destructive.
func Classify(command string) schema.RiskTier {
	normalized := normalize(command)
	if normalized == "" {
		return schema.RiskUnknown
	}
	for _, re := range wholeCommandDestructive {
		if re.MatchString(normalized) {
			return schema.RiskDestructive
		}
	}

	// Commands run by substitution are classified on their own; the outer
	// command sees a placeholder in their place.
	outer, inner, ok := splitSubstitutions(normalized)
	if !ok {
		return schema.RiskUnknown
	}
	tier := schema.RiskInfoOnly
	for _, body := range inner {
		t := Classify(body)
		if t == schema.RiskDestructive {
			return schema.RiskDestructive
		}
		tier = schema.MaxTier(tier, t)
	}

	seen := false
	for _, seg := range segmentSplit.Split(outer, -1) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		seen = true
		t := classifySegment(seg)
		if t == schema.RiskDestructive {
			return schema.RiskDestructive
		}
		tier = schema.MaxTier(tier, t)
	}
	if !seen {
		return schema.RiskUnknown
	}
	return tier
}

// splitSubstitutions cuts the bodies of $(...), <(...), >(...) and
// backtick substitutions out of command, replacing each with a placeholder
// word. ok is false when a substitution is never closed.
func splitSubstitutions(command string) (outer string, inner []string, ok bool) {
	var b strings.Builder
	for i := 0; i < len(command); {
		c := command[i]
		switch {
		case c == '`':
			end := strings.IndexByte(command[i+1:], '`')
			if end < 0 {
				return "", nil, false
			}
			inner = append(inner, command[i+1:i+1+end])
			b.WriteString("subst")
			i += end + 2
		case (c == '$' || c == '<' || c == '>') && i+1 < len(command) && command[i+1] == '(':
			end := closingParen(command, i+1)
			if end < 0 {
				return "", nil, false
			}
			body := command[i+2 : end]
			if c == '$' && strings.HasPrefix(body, "(") {
				// arithmetic expansion: only substitutions nested in it run
				_, nested, ok := splitSubstitutions(body[1:])
				if !ok {
					return "", nil, false
				}
				inner = append(inner, nested...)
			} else {
				inner = append(inner, body)
			}
			if c == '>' {
				b.WriteByte('>')
			}
			b.WriteString("subst")
			i = end + 1
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), inner, true
}

// closingParen returns the index of the parenthesis closing the one at open,
// or -1.
func closingParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// ClassifyScript classifies script content. Shell scripts are classified line
// by line; other languages cannot be inspected and are unknown unless empty.
func ClassifyScript(scriptType schema.ScriptType, content string) schema.RiskTier {
	switch scriptType {
	case schema.ScriptBash, "":
	default:
		if strings.TrimSpace(content) == "" {
			return schema.RiskInfoOnly
		}
		return schema.RiskUnknown
	}

	var lines []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return schema.RiskInfoOnly
	}
	return Classify(strings.Join(lines, "\n"))
}

func classifySegment(seg string) schema.RiskTier {
	for _, re := range destructivePatterns {
		if re.MatchString(seg) {
			return schema.RiskDestructive
		}
	}

	fields := strings.Fields(seg)
	for len(fields) > 0 && assignment.MatchString(fields[0]) {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return schema.RiskSafeOperations
	}
	head := fields[0]
	tier := classifyFields(seg, head, fields)
	if tier != schema.RiskDestructive && writesSystemPath(seg, head, fields[1:]) {
		return schema.MaxTier(tier, schema.RiskSystemChanges)
	}
	return tier
}

// writesSystemPath reports whether a segment redirects into, or tees to, a
// system location.
func writesSystemPath(seg, head string, args []string) bool {
	for _, m := range redirectTarget.FindAllStringSubmatch(seg, -1) {
		if underSystemPath(m[1]) {
			return true
		}
	}
	if head == "tee" {
		for _, a := range args {
			if !strings.HasPrefix(a, "-") && underSystemPath(a) {
				return true
			}
		}
	}
	return false
}

func classifyFields(seg, head string, fields []string) schema.RiskTier {
	rest := strings.Join(fields, " ")

	if privilegeEscalation[head] && mutatesSystemPath(fields[1:], seg) {
		return schema.RiskDestructive
	}
	if systemChangeUtilities[head] {
		return schema.RiskSystemChanges
	}
	if networkUtilities[head] || urlPattern.MatchString(rest) || gitNetwork.MatchString(rest) ||
		installPattern.MatchString(rest) || dockerNetwork.MatchString(rest) {
		return schema.RiskNetworkAccess
	}

	redirected := redirection.MatchString(seg)
	if !redirected {
		if gitReadOnly.MatchString(rest) {
			return schema.RiskInfoOnly
		}
		if infoUtilities[head] && !(head == "find" && strings.Contains(rest, " -exec")) {
			return schema.RiskInfoOnly
		}
	}
	if gitLocal.MatchString(rest) || buildLocal.MatchString(rest) {
		return schema.RiskSafeOperations
	}
	if safeUtilities[head] {
		return schema.RiskSafeOperations
	}
	if redirected && infoUtilities[head] && head != "find" {
		return schema.RiskSafeOperations
	}
	return schema.RiskUnknown
}

// mutatesSystemPath reports whether an escalated command writes to a system
// location: a mutating utility or redirection aimed at a system path.
func mutatesSystemPath(args []string, seg string) bool {
	for len(args) > 0 && strings.HasPrefix(args[0], "-") {
		args = args[1:]
	}
	if len(args) > 0 && args[0] == "-c" {
		args = args[1:]
	}
	mutating := redirection.MatchString(seg)
	for _, a := range args {
		if mutatingUtilities[strings.Trim(a, `"'`)] {
			mutating = true
			break
		}
	}
	if !mutating {
		return false
	}
	for _, a := range args {
		if underSystemPath(a) {
			return true
		}
	}
	return false
}

// underSystemPath reports whether a path argument names the root or a
// location below one of the system directories.
func underSystemPath(a string) bool {
	a = strings.Trim(a, `"'>`)
	if a == "/" {
		return true
	}
	if harmlessDevices[a] || strings.HasPrefix(a, "/dev/fd/") {
		return false
	}
	for _, p := range systemPaths {
		if a == p || strings.HasPrefix(a, p+"/") {
			return true
		}
	}
	return false
}

func normalize(command string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(command), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r'
	}), " ")
}
