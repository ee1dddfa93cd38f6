package datasets

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RationalisePath canonicalizes a datasets path: NFC-normalized, rooted
// at "/", dot segments collapsed. A trailing slash is preserved because
// the object store uses it to mark directories.
func RationalisePath(p string) string {
	p = norm.NFC.String(p)

	rooted := path.Join("/", p)

	if strings.HasSuffix(p, "/") && !strings.HasSuffix(rooted, "/") {
		rooted += "/"
	}

	return rooted
}

// RelativePath returns child's path relative to parent, both rationalised
// first. Errors when child does not live under parent.
func RelativePath(parent, child string) (string, error) {
	parent = RationalisePath(parent)
	child = RationalisePath(child)

	if !strings.HasPrefix(child, parent) {
		return "", fmt.Errorf("%s is not a sub path of %s", child, parent)
	}

	rel := strings.TrimPrefix(child, parent)

	return strings.TrimPrefix(rel, "/"), nil
}

// compilePattern translates a shell-style glob pattern, where "*" and
// "?" also cross "/" boundaries, into a regexp. Compile once per
// listing; the result matches any number of paths.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder

	b.WriteString("^")

	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}

	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	return re, nil
}
