package options

import "strings"

func flagName(def string, prefixes []string, name string) string {
	ns := def
	if len(prefixes) > 0 && prefixes[0] != "" {
		ns = prefixes[0]
	}
	return strings.TrimSuffix(ns, ".") + "." + name
}
