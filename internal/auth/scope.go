package auth

// Match reports whether name matches a glob pattern. '*' matches any run of
// characters including '/', '?' matches exactly one character. Scope patterns
// like "lab/*" must cover every agent under a prefix, so '*' deliberately
// crosses path separators.
func Match(pattern, name string) bool {
	pi, ni := 0, 0
	star, backtrack := -1, 0
	for ni < len(name) {
		switch {
		case pi < len(pattern) && (pattern[pi] == '?' || pattern[pi] == name[ni]):
			pi++
			ni++
		case pi < len(pattern) && pattern[pi] == '*':
			star = pi
			backtrack = ni
			pi++
		case star >= 0:
			pi = star + 1
			backtrack++
			ni = backtrack
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
