// Package catalog is the single source of truth for "what is sensitive":
// blocked filesystem patterns, dangerous environment variables, and the
// SSRF host/IP classification tables every capability consults before
// performing an effect. Nothing here mutates after construction.
package catalog

import (
	"net"
	"regexp"
	"strings"
)

// Match describes why a path was refused.
type Match struct {
	Blocked     bool
	Pattern     string
	Description string
	Category    string
}

// pathPattern pairs a compiled regexp with the human-facing metadata the
// event hooks report; Category is only set on the blocked-file table.
type pathPattern struct {
	re          *regexp.Regexp
	description string
	category    string
}

// dangerousPathPatterns catches traversal, absolute system paths, home-dir
// references, URL-encoded escapes, and null bytes. Checked before the
// blocked-file table so a traversal attempt is reported as "dangerous path
// pattern" rather than tripping on the part of the path that still matches
// a legitimate filename.
var dangerousPathPatterns = []pathPattern{
	{regexp.MustCompile(`\.\.`), "Directory traversal", ""},
	{regexp.MustCompile(`^/etc/`), "Absolute system path", ""},
	{regexp.MustCompile(`^/proc/`), "Absolute system path", ""},
	{regexp.MustCompile(`^/sys/`), "Absolute system path", ""},
	{regexp.MustCompile(`^/root/`), "Absolute system path", ""},
	{regexp.MustCompile(`^/var/run/`), "Absolute system path", ""},
	{regexp.MustCompile(`^~`), "Home directory reference", ""},
	{regexp.MustCompile(`%2e%2e`), "URL-encoded traversal", ""},
	{regexp.MustCompile(`%252e%252e`), "Double-encoded traversal", ""},
	{regexp.MustCompile(`\x00`), "Null byte", ""},
}

// blockedFilePatterns names concrete files and directories that must never
// be readable, writable, or even enumerable through a capability, grouped
// by the kind of secret they tend to hold.
var blockedFilePatterns = []pathPattern{
	{regexp.MustCompile(`(?i)\.env($|\.)`), "Environment file", "secrets"},
	{regexp.MustCompile(`(?i)\.ssh/`), "SSH directory", "secrets"},
	{regexp.MustCompile(`(?i)id_rsa`), "SSH private key", "secrets"},
	{regexp.MustCompile(`(?i)id_ed25519`), "SSH private key", "secrets"},
	{regexp.MustCompile(`(?i)\.aws/credentials`), "AWS credentials", "secrets"},
	{regexp.MustCompile(`(?i)\.netrc`), "Netrc credentials", "secrets"},
	{regexp.MustCompile(`(?i)credentials\.json`), "Credentials file", "secrets"},
	{regexp.MustCompile(`(?i)\.pem$`), "PEM key material", "secrets"},
	{regexp.MustCompile(`(?i)\.key$`), "Key material", "secrets"},
	{regexp.MustCompile(`(?i)secrets?\.ya?ml$`), "Secrets manifest", "secrets"},
	{regexp.MustCompile(`(?i)\.git/config`), "Git config (may hold tokens)", "vcs"},
	{regexp.MustCompile(`(?i)shadow$`), "System password database", "system"},
	{regexp.MustCompile(`(?i)\.bash_history`), "Shell history", "history"},
	{regexp.MustCompile(`(?i)\.zsh_history`), "Shell history", "history"},
	{regexp.MustCompile(`(?i)\.npmrc`), "NPM auth token", "secrets"},
	{regexp.MustCompile(`(?i)\.pypirc`), "PyPI auth token", "secrets"},
	{regexp.MustCompile(`(?i)docker/config\.json`), "Docker registry auth", "secrets"},
	{regexp.MustCompile(`(?i)kube/?config`), "Kubernetes credentials", "secrets"},
}

// IsBlocked runs the dangerous-path table and then the blocked-file table,
// against the whole path and each path component, and short-circuits on
// the first match.
func IsBlocked(path string) Match {
	if m := scan(path, dangerousPathPatterns); m.Blocked {
		return m
	}
	if m := scan(path, blockedFilePatterns); m.Blocked {
		return m
	}
	for _, component := range strings.Split(filepathClean(path), "/") {
		if component == "" {
			continue
		}
		if m := scan(component, blockedFilePatterns); m.Blocked {
			return m
		}
	}
	return Match{}
}

func scan(s string, table []pathPattern) Match {
	for _, p := range table {
		if p.re.MatchString(s) {
			return Match{Blocked: true, Pattern: p.re.String(), Description: p.description, Category: p.category}
		}
	}
	return Match{}
}

// filepathClean avoids importing path/filepath just for component splitting
// (it would canonicalize '..' away, which is exactly what must not happen
// before the dangerous-path scan has had a chance to see it).
func filepathClean(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// dangerousEnvNames is an exact-match set; dangerousEnvPrefixes catches
// whole families (loader injection vectors on Linux and macOS).
var dangerousEnvNames = map[string]bool{
	"PATH":                true,
	"HOME":                false, // sanitize_env overrides HOME deliberately; not a blanket block
	"AWS_SECRET_ACCESS_KEY": true,
	"AWS_SESSION_TOKEN":     true,
	"GITHUB_TOKEN":          true,
	"NPM_TOKEN":             true,
	"DOCKER_PASSWORD":       true,
	"SSH_AUTH_SOCK":         true,
	"GPG_AGENT_INFO":        true,
	"NODE_OPTIONS":          true,
	"PYTHONSTARTUP":         true,
	"BASH_ENV":              true,
	"PERL5OPT":              true,
	"RUBYOPT":               true,
}

var dangerousEnvPrefixes = []string{"LD_", "DYLD_"}

// IsDangerousEnv reports whether name must never be forwarded into a
// sandboxed process's environment: case-insensitive membership, then the
// loader-injection prefixes, then the exact name PATH.
func IsDangerousEnv(name string) bool {
	upper := strings.ToUpper(name)
	if upper == "PATH" {
		return true
	}
	if blocked, known := dangerousEnvNames[upper]; known && blocked {
		return true
	}
	for _, prefix := range dangerousEnvPrefixes {
		if strings.HasPrefix(upper, prefix) {
			return true
		}
	}
	return false
}

// SanitizeEnv returns a copy of env with every dangerous key removed and
// every key with an absent value dropped. Idempotent: SanitizeEnv applied
// twice equals applied once.
func SanitizeEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if v == "" {
			continue
		}
		if IsDangerousEnv(k) {
			continue
		}
		out[k] = v
	}
	return out
}

// blockedHostnames and blockedHostnameSuffixes classify hosts that resolve
// (or claim to resolve) to the local machine or a private network segment
// by name rather than by address.
var blockedHostnames = map[string]bool{
	"localhost": true,
}

var blockedHostnameSuffixes = []string{".localhost", ".local", ".internal"}

// IsBlockedHostname normalizes host (lowercase, trim trailing dot, strip
// IPv6 brackets) and checks exact membership or suffix match.
func IsBlockedHostname(host string) bool {
	h := normalizeHost(host)
	if blockedHostnames[h] {
		return true
	}
	for _, suffix := range blockedHostnameSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return h
}

// privateIPv4Ranges are CIDR blocks that never leave a private network:
// RFC1918, loopback, link-local, and the CGNAT shared-address range.
var privateIPv4Ranges = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"100.64.0.0/10",
)

// privateIPv6Ranges covers the unspecified/loopback address, link-local,
// and the unique-local block (fc00::/7, split as fc/fd for clarity).
var privateIPv6Ranges = mustParseCIDRs(
	"::/128",
	"::1/128",
	"fe80::/10",
	"fec0::/10",
	"fc00::/8",
	"fd00::/8",
)

// cloudMetadataIPs are the well-known instance-metadata endpoints across
// major cloud providers; these are blocked unconditionally even if an
// operator's allow-list is permissive about private ranges.
var cloudMetadataIPs = map[string]bool{
	"169.254.169.254": true,
	"fd00:ec2::254":   true,
	"100.100.100.200": true, // Alibaba Cloud
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("catalog: invalid CIDR literal " + c + ": " + err.Error())
		}
		nets = append(nets, n)
	}
	return nets
}

// IsPrivateIP recognizes bare IPv4, bare IPv6, and the "::ffff:" IPv4-mapped
// form (both dotted-quad and pure-hex trailing octets) so that encoding an
// address as IPv6 cannot bypass IPv4 range classification.
func IsPrivateIP(addr string) bool {
	ip := parseAddr(addr)
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		for _, n := range privateIPv4Ranges {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, n := range privateIPv6Ranges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseAddr strips IPv6 brackets and zone identifiers, then unmaps an
// IPv4-mapped IPv6 address (::ffff:a.b.c.d or its pure-hex form) down to
// its IPv4 representative before classification.
func parseAddr(addr string) net.IP {
	a := strings.TrimSpace(addr)
	a = strings.TrimPrefix(a, "[")
	a = strings.TrimSuffix(a, "]")
	if idx := strings.IndexByte(a, '%'); idx >= 0 {
		a = a[:idx]
	}
	ip := net.ParseIP(a)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// IsCloudMetadataIP is an exact match against the metadata-endpoint list;
// these addresses are blocked regardless of any allow-list.
func IsCloudMetadataIP(addr string) bool {
	ip := parseAddr(addr)
	if ip == nil {
		return false
	}
	return cloudMetadataIPs[ip.String()]
}
