package launch

import (
	"runtime"
	"strings"
)

// MergeSafePaths appends dir to an existing comma separated allow-list.
// An empty existing value yields dir verbatim.
func MergeSafePaths(existing, dir string) string {
	if existing == "" {
		return dir
	}
	if dir == "" {
		return existing
	}
	return existing + "," + dir
}

// lookupEnv returns the last value of key in environ, like the libc getenv on a
// duplicated environment block.
func lookupEnv(environ []string, key string) string {
	var value string
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if ok && envKeyEqual(k, key) {
			value = v
		}
	}
	return value
}

// applyOverlay returns a copy of environ where every overlay key replaces the
// inherited entries of the same name. Untouched variables keep their order.
func applyOverlay(environ []string, overlay map[string]string) []string {
	out := make([]string, 0, len(environ)+len(overlay))
	for _, kv := range environ {
		k, _, _ := strings.Cut(kv, "=")
		if _, replaced := lookupOverlay(overlay, k); replaced {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range overlay {
		out = append(out, k+"="+v)
	}
	return out
}

func lookupOverlay(overlay map[string]string, key string) (string, bool) {
	for k, v := range overlay {
		if envKeyEqual(k, key) {
			return v, true
		}
	}
	return "", false
}

// Windows environment names are case-insensitive.
func envKeyEqual(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
