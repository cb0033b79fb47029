package mirror

import (
	"regexp"
)

var (
	// porcelain push output line of an updated ref ie
	// "*\trefs/heads/main:refs/heads/main\t[new branch]"
	// up to date (=) and rejected (!) refs are not counted
	pushedRefRgx = regexp.MustCompile(`(?m)^[ +\-*]\t[^\t]*:(refs\/[^\t]+)\t`)

	// Objects can be named by their 40 hexadecimal digit SHA-1 name
	// or 64 hexadecimal digit SHA-256 name
	commitHashRgx = regexp.MustCompile("^([0-9A-Fa-f]{40}|[0-9A-Fa-f]{64})$")
)

// IsFullCommitHash returns whether or not a string is a 40 char SHA-1
// or 64 char SHA-256 hash
func IsFullCommitHash(hash string) bool {
	return commitHashRgx.MatchString(hash)
}

func pushedRefs(output string) []string {
	var refs []string

	for _, match := range pushedRefRgx.FindAllStringSubmatch(output, -1) {
		refs = append(refs, match[1])
	}

	return refs
}
