package runner

import (
	"os"
	"sort"
	"strings"
)

// BuildEnv constructs the environment of a script process: the current
// process environment, overlaid with env.Extra and the SCRIPTTRACK_*
// variables.
func BuildEnv(env Env, identifier, runID string) []string {
	envMap := make(map[string]string)
	for _, e := range os.Environ() {
		if k, v, ok := strings.Cut(e, "="); ok {
			envMap[k] = v
		}
	}

	for k, v := range env.Extra {
		envMap[k] = v
	}

	envMap["SCRIPTTRACK_IDENTIFIER"] = identifier
	envMap["SCRIPTTRACK_RUN_ID"] = runID
	envMap["SCRIPTTRACK_DATABASE_DRIVER"] = env.Driver
	envMap["SCRIPTTRACK_DATABASE_URL"] = env.DatabaseURL

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}
