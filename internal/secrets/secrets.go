package secrets

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// reservedEnvVars are owned by the launcher and never taken from a .env file.
var reservedEnvVars = map[string]bool{
	"PATH": true,
	"HOST": true,
	"PORT": true,
}

// sensitiveTokens mark a key whose value must not be logged in clear.
var sensitiveTokens = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "key"}

// ReadEnvFile parses a dotenv file. A missing file yields an empty map.
func ReadEnvFile(envPath string) (map[string]string, error) {
	vars := make(map[string]string)

	file, err := os.Open(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return vars, nil
		}
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip comments and empty lines
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if key != "" {
			vars[key] = value
		}
	}

	return vars, scanner.Err()
}

// WriteEnvFile writes values (merged over any existing file) in sorted order.
func WriteEnvFile(envPath string, values map[string]string) error {
	existingVars, err := ReadEnvFile(envPath)
	if err != nil {
		return err
	}
	for k, v := range values {
		existingVars[k] = v
	}

	file, err := os.Create(envPath)
	if err != nil {
		return err
	}
	defer file.Close()

	fmt.Fprintln(file, "# Environment passed to the backend by scope-launcher")
	fmt.Fprintln(file, "")

	keys := make([]string, 0, len(existingVars))
	for k := range existingVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := existingVars[k]
		// Quote values that contain spaces or special characters
		if strings.ContainsAny(v, " \t\n\"'") {
			v = fmt.Sprintf(`"%s"`, strings.ReplaceAll(v, `"`, `\"`))
		}
		fmt.Fprintf(file, "%s=%s\n", k, v)
	}

	return nil
}

// MergeEnv overlays extra on a KEY=value environment. Reserved keys in
// extra are ignored and the returned slice keeps base's order.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	out := make([]string, 0, len(base)+len(extra))
	applied := make(map[string]bool)
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := extra[k]; ok && !reservedEnvVars[k] {
			out = append(out, k+"="+v)
			applied[k] = true
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if applied[k] || reservedEnvVars[k] {
			continue
		}
		out = append(out, k+"="+extra[k])
	}
	return out
}

// IsSensitiveKey reports whether a variable name looks like a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// MaskValue hides the middle of a value for display.
func MaskValue(value string) string {
	// Don't mask URLs - they're usually not secret
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") ||
		strings.HasPrefix(value, "ws://") || strings.HasPrefix(value, "wss://") {
		return value
	}

	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}

	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}
