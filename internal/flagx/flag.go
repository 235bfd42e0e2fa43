// Package flagx lets several flag sets share one command line: each consumer
// picks out only the flags it owns before calling flag.FlagSet.Parse.
package flagx

import (
	"flag"
	"strings"
)

// FilterArgs returns the arguments of args that belong to the allowed value
// flags, together with their values. Both "-f value" and "-f=value" forms are
// kept. Everything after a "--" terminator is ignored.
//
//	FilterArgs([]string{"-d", "dsn", "-x", "1"}, []string{"-d"}) // {"-d", "dsn"}
func FilterArgs(args []string, allowedFlags []string) []string {
	return filter(args, allowedFlags, nil)
}

// FilterBoolArgs is FilterArgs for boolean flags, which never consume the
// following argument.
func FilterBoolArgs(args []string, allowedFlags []string) []string {
	return filter(args, nil, allowedFlags)
}

func filter(args, valueFlags, boolFlags []string) []string {
	kind := make(map[string]bool, len(valueFlags)+len(boolFlags))
	for _, f := range valueFlags {
		kind[f] = true
	}
	for _, f := range boolFlags {
		kind[f] = false
	}

	filtered := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}

		if name, _, ok := strings.Cut(arg, "="); ok && strings.HasPrefix(arg, "-") {
			if _, allowed := kind[name]; allowed {
				filtered = append(filtered, arg)
			}
			continue
		}

		takesValue, allowed := kind[arg]
		if !allowed {
			continue
		}
		filtered = append(filtered, arg)
		if takesValue && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			filtered = append(filtered, args[i+1])
			i++
		}
	}
	return filtered
}

// ConfigPath returns the JSON config file named by -c or -config in args, or
// "" if neither is present. The last occurrence wins.
func ConfigPath(args []string) string {
	var path string

	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.StringVar(&path, "config", "", "Path to config file")
	fs.StringVar(&path, "c", "", "Path to config file (short)")
	_ = fs.Parse(FilterArgs(args, []string{"-c", "-config", "--c", "--config"}))

	return path
}
