package ghl

import "strings"

// MergeTags returns existing followed by every tag in add not already present.
// Tags are trimmed, empty tags dropped, and comparison is case-sensitive.
func MergeTags(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, tag := range list {
			tag = strings.TrimSpace(tag)
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}

// SubtractTags returns existing without any tag in remove, order kept.
func SubtractTags(existing, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, tag := range remove {
		drop[strings.TrimSpace(tag)] = struct{}{}
	}
	return MergeTags(nil, filterTags(existing, func(tag string) bool {
		_, ok := drop[strings.TrimSpace(tag)]
		return !ok
	}))
}

// newTags lists the tags of add that are not in existing.
func newTags(existing, add []string) []string {
	have := make(map[string]struct{}, len(existing))
	for _, tag := range existing {
		have[strings.TrimSpace(tag)] = struct{}{}
	}
	return MergeTags(nil, filterTags(add, func(tag string) bool {
		_, ok := have[strings.TrimSpace(tag)]
		return !ok
	}))
}

func filterTags(tags []string, keep func(string) bool) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if keep(tag) {
			out = append(out, tag)
		}
	}
	return out
}
