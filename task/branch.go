/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package task

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

const (
	maxSlugLen  = 30
	randSuffix  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	nonSlugChars  = regexp.MustCompile(`[^a-z0-9-]+`)
	trailingDashes = regexp.MustCompile(`-+$`)

	// BranchPattern matches spec.md §8 invariant 7.
	BranchPattern = regexp.MustCompile(`^ai-fix/[0-9]+-[a-z0-9-]{1,30}-[0-9]{8}(-[a-z0-9]{1,10})?-[a-z0-9]{3}$`)
)

// Slug lowercases title, strips everything but [a-z0-9-], truncates to
// maxLen and trims trailing hyphens. An empty result becomes "issue".
func Slug(title string, maxLen int) string {
	s := strings.ToLower(title)
	s = nonSlugChars.ReplaceAllString(s, "-")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = trailingDashes.ReplaceAllString(s, "")
	if s == "" {
		return "issue"
	}
	return s
}

// BranchName builds the branch name prescribed by spec.md §3:
// ai-fix/<N>-<slug(title,30)>-<YYYYMMDD>[-<modelSlug>]-<rand3>, where
// modelSlug is the model name reduced to at most 10 of [a-z0-9].
func BranchName(issueNumber int, title string, now time.Time, modelSlug string) (string, error) {
	slug := Slug(title, maxSlugLen)
	suffix, err := randomAlnum(3)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("ai-fix/%d-%s-%s", issueNumber, slug, now.UTC().Format("20060102"))
	if modelSlug != "" {
		m := strings.ReplaceAll(Slug(modelSlug, len(modelSlug)), "-", "")
		if len(m) > 10 {
			m = m[:10]
		}
		name = fmt.Sprintf("%s-%s", name, m)
	}
	name = fmt.Sprintf("%s-%s", name, suffix)
	return name, nil
}

func randomAlnum(n int) (string, error) {
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randSuffix))))
		if err != nil {
			return "", err
		}
		buf[i] = randSuffix[idx.Int64()]
	}
	return string(buf), nil
}
