package tenancy

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	// maxSlugLen leaves room for a suffix inside Postgres' 63 byte identifier limit.
	maxSlugLen  = 56
	suffixLen   = 6
	suffixChars = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)
	subdomainRe  = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

	// reservedSlugs can never become a tenant namespace or subdomain.
	reservedSlugs = map[string]struct{}{
		"public":             {},
		"information_schema": {},
		"pg_catalog":         {},
		"www":                {},
		"api":                {},
		"admin":              {},
		"app":                {},
		"mail":               {},
	}
)

// Slugify derives a namespace-safe slug from a display name: lowercase ASCII
// letters and digits separated by single hyphens. It returns "" when nothing
// usable is left.
func Slugify(name string) string {
	s := nonSlugChars.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	return s
}

// IsReservedSlug reports whether slug is held back for the platform itself.
func IsReservedSlug(slug string) bool {
	_, ok := reservedSlugs[slug]
	return ok || strings.HasPrefix(slug, "pg_")
}

// SuffixFunc produces the random token appended to a colliding slug.
type SuffixFunc func() (string, error)

// RandomSuffix returns a random lowercase alphanumeric token.
func RandomSuffix() (string, error) {
	b := make([]byte, suffixLen)
	limit := big.NewInt(int64(len(suffixChars)))
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		b[i] = suffixChars[n.Int64()]
	}
	return string(b), nil
}
