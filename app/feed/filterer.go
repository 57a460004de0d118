package feed

import (
	"fmt"
	"strings"

	"github.com/bikegroups/calendar-sync/app/cfg"
)

type Filterer struct {
	rules []cfg.FilterRule
}

func NewFilterer(rules []cfg.FilterRule) *Filterer {
	return &Filterer{rules: rules}
}

// Run reports whether a post is excluded and why. Excludes win over
// includes; a rule with includes rejects posts matching none of them.
func (f *Filterer) Run(post Post) (bool, string) {
	for _, rule := range f.rules {
		value := f.getFieldValue(post, rule.Field)

		for _, exclude := range rule.Excludes {
			if f.matchesFilter(value, exclude) {
				return true, fmt.Sprintf("Excluded by %s filter: contains '%s'", rule.Field, exclude)
			}
		}

		if len(rule.Includes) > 0 {
			matched := false
			for _, include := range rule.Includes {
				if f.matchesFilter(value, include) {
					matched = true
					break
				}
			}
			if !matched {
				return true, fmt.Sprintf("Excluded by %s filter: does not contain any of %v", rule.Field, rule.Includes)
			}
		}
	}

	return false, ""
}

func (f *Filterer) matchesFilter(value, pattern string) bool {
	return strings.Contains(strings.ToLower(value), strings.ToLower(pattern))
}

func (f *Filterer) getFieldValue(post Post, field string) string {
	switch field {
	case "title":
		return post.Title
	case "content":
		return post.Content
	case "author":
		return post.Author
	case "link":
		return post.Link
	default:
		return ""
	}
}
