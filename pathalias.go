// Copyright 2025 Brian Wang <wangbuke@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package playground

import (
	"encoding/json"
	"path"
	"regexp"
	"sort"
	"strings"
)

// pathAlias maps an import specifier pattern to a project-relative target. Both may end in a
// single '*' wildcard.
type pathAlias struct {
	alias  string
	target string
	re     *regexp.Regexp
}

// parseTsconfigPathAlias extracts compilerOptions.paths from tsconfig content. Targets are
// resolved against compilerOptions.baseUrl and the project root. Longer aliases come first so
// the most specific pattern wins.
func parseTsconfigPathAlias(tsconfig string) ([]pathAlias, error) {
	if strings.TrimSpace(tsconfig) == "" {
		return nil, nil
	}

	var config map[string]interface{}
	if err := json.Unmarshal([]byte(tsconfig), &config); err != nil {
		return nil, err
	}

	compilerOptions, ok := config["compilerOptions"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	baseURL, _ := compilerOptions["baseUrl"].(string)
	paths, ok := compilerOptions["paths"].(map[string]interface{})
	if !ok {
		return nil, nil
	}

	aliases := make([]pathAlias, 0, len(paths))
	for key, value := range paths {
		pathArray, ok := value.([]interface{})
		if !ok || len(pathArray) == 0 {
			continue
		}
		pathStr, ok := pathArray[0].(string)
		if !ok || key == "" {
			continue
		}
		target := strings.TrimPrefix(path.Join(".", baseURL, pathStr), "./")
		if strings.HasSuffix(pathStr, "*") && !strings.HasSuffix(target, "*") {
			target += "*"
		}

		pattern := "^" + regexp.QuoteMeta(key) + "$"
		if strings.HasSuffix(key, "*") {
			pattern = "^" + regexp.QuoteMeta(strings.TrimSuffix(key, "*")) + "(.*)$"
		}
		aliases = append(aliases, pathAlias{alias: key, target: target, re: regexp.MustCompile(pattern)})
	}

	sort.Slice(aliases, func(i, j int) bool {
		if len(aliases[i].alias) != len(aliases[j].alias) {
			return len(aliases[i].alias) > len(aliases[j].alias)
		}
		return aliases[i].alias < aliases[j].alias
	})
	return aliases, nil
}

// applyPathAlias rewrites spec with the first matching alias and reports whether one matched.
// The result is a project-relative file name.
func applyPathAlias(aliases []pathAlias, spec string) (string, bool) {
	for _, a := range aliases {
		m := a.re.FindStringSubmatch(spec)
		if m == nil {
			continue
		}
		target := a.target
		if len(m) > 1 && strings.HasSuffix(target, "*") {
			target = strings.TrimSuffix(target, "*") + m[1]
		}
		return path.Clean(target), true
	}
	return spec, false
}
