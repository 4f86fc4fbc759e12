package action

import (
	"sort"
	"strings"

	"github.com/remotebuild/rewrap/cli/arg"
	"github.com/remotebuild/rewrap/remote/remotetool"
	"github.com/remotebuild/rewrap/util/status"
)

// Environment variables the launcher's proxy configuration exports.
const (
	PlatformEnvVar      = "RBE_platform"
	ServerAddressEnvVar = "RBE_server_address"
)

// ForwardedFlags are remote-execution directives embedded in the
// wrapped command itself, placed there by build rules that cannot
// reach this wrapper's own command line.
type ForwardedFlags struct {
	Disable        bool
	Inputs         []string
	OutputFiles    []string
	OutputDirs     []string
	RewrapperFlags []string
	LocalOnly      []string
}

func appendCommaList(dst []string, value string) []string {
	for _, v := range strings.Split(value, ",") {
		if v != "" {
			dst = append(dst, v)
		}
	}
	return dst
}

// ForwardRemoteFlags extracts remote-execution directives from a
// command and returns the command with them removed, so the remaining
// tokens can be treated as opaque. Values may be comma-separated
// lists; each element is recorded individually.
func ForwardRemoteFlags(command []string) ([]string, *ForwardedFlags) {
	flags := &ForwardedFlags{}
	var cleaned []string
	for _, tok := range command {
		switch {
		case tok == "--remote-disable":
			flags.Disable = true
		case strings.HasPrefix(tok, "--remote-inputs="):
			flags.Inputs = appendCommaList(flags.Inputs, strings.TrimPrefix(tok, "--remote-inputs="))
		case strings.HasPrefix(tok, "--remote-outputs="):
			flags.OutputFiles = appendCommaList(flags.OutputFiles, strings.TrimPrefix(tok, "--remote-outputs="))
		case strings.HasPrefix(tok, "--remote-output-dirs="):
			flags.OutputDirs = appendCommaList(flags.OutputDirs, strings.TrimPrefix(tok, "--remote-output-dirs="))
		case strings.HasPrefix(tok, "--remote-flag="):
			flags.RewrapperFlags = appendCommaList(flags.RewrapperFlags, strings.TrimPrefix(tok, "--remote-flag="))
		case strings.HasPrefix(tok, "--local-only="):
			flags.LocalOnly = appendCommaList(flags.LocalOnly, strings.TrimPrefix(tok, "--local-only="))
		default:
			cleaned = append(cleaned, tok)
		}
	}
	return cleaned, flags
}

// ParsePlatform splits a "key=value,key=value" platform string.
func ParsePlatform(s string) map[string]string {
	m := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		m[k] = v
	}
	return m
}

// MergePlatform combines platform key=value settings from the
// command-line flag, the proxy environment, and the launcher config
// file, in that precedence order. Later sources only fill keys the
// earlier ones left unset, and the config file is not even read when
// the environment provides a platform.
func MergePlatform(flagValue string, envLookup func(string) string, cfgPath string) (map[string]string, error) {
	merged := ParsePlatform(flagValue)
	fill := func(src map[string]string) {
		for k, v := range src {
			if _, ok := merged[k]; !ok {
				merged[k] = v
			}
		}
	}
	if env := envLookup(PlatformEnvVar); env != "" {
		fill(ParsePlatform(env))
		return merged, nil
	}
	if cfgPath != "" {
		cfg, err := remotetool.ParseConfigFile(cfgPath)
		if err != nil {
			if status.IsNotFoundError(err) {
				return merged, nil
			}
			return nil, err
		}
		fill(ParsePlatform(cfg["platform"]))
	}
	return merged, nil
}

// RenderPlatform formats a merged platform as the launcher's
// --platform flag value, keys sorted for stable cache keys.
func RenderPlatform(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+m[k])
	}
	return strings.Join(pairs, ",")
}

// NeedsRelaunch reports whether this process must re-exec itself under
// the proxy wrapper before any remote execution can work. The wrapper
// starts the proxy and exports its address into the environment; an
// empty address means no proxy is reachable.
func NeedsRelaunch(envLookup func(string) string) bool {
	return envLookup(ServerAddressEnvVar) == ""
}

// RelaunchCommand is the command that restarts this process under the
// proxy wrapper.
func RelaunchCommand(reproxyWrap, self string, args []string) []string {
	return arg.JoinPassthroughArgs(
		[]string{reproxyWrap, "-v"},
		append([]string{self}, args...),
	)
}
