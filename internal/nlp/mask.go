package nlp

import (
	"regexp"
	"strings"
)

const (
	emailMask = "[EMAIL]"
	phoneMask = "[PHONE]"
	nameMask  = "[NAME]"
)

var (
	emailPattern     = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	// At least seven digits, optionally grouped with spaces, dots, dashes or
	// a parenthesised area code, with an optional country prefix.
	phonePattern     = regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{2,4}\)[\s.\-]?)?\d{3,4}[\s.\-]?\d{3,4}(?:[\s.\-]?\d{2,4})?`)
	honorificPattern = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Mx|Dr|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?`)
	cuePattern       = regexp.MustCompile(`\b((?i:manager|boss|lead|supervisor|colleague|coworker|director|with|from|by|told|asked|thanks|thank))\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	fullNamePattern  = regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+\b`)
)

// capitalised words that commonly start sentences or name things that are
// not people.
var notNames = map[string]bool{
	"I": true, "The": true, "This": true, "That": true, "These": true, "Those": true,
	"We": true, "Our": true, "My": true, "Your": true, "Their": true, "They": true,
	"He": true, "She": true, "It": true, "There": true, "When": true, "If": true,
	"But": true, "And": true, "So": true, "Also": true, "Overall": true, "Please": true,
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true, "Friday": true,
	"Saturday": true, "Sunday": true, "January": true, "February": true, "March": true,
	"April": true, "May": true, "June": true, "July": true, "August": true,
	"September": true, "October": true, "November": true, "December": true,
	"Team": true, "Teams": true, "Slack": true, "Zoom": true, "Google": true, "Microsoft": true,
}

// Mask replaces e-mail addresses, phone numbers and probable personal
// names with placeholders. It is deterministic and language neutral apart
// from the small cue-word list.
func Mask(text string) string {
	out := emailPattern.ReplaceAllString(text, emailMask)
	out = phonePattern.ReplaceAllStringFunc(out, func(match string) string {
		if countDigits(match) < 7 {
			return match
		}
		return phoneMask
	})
	out = honorificPattern.ReplaceAllString(out, nameMask)
	out = cuePattern.ReplaceAllStringFunc(out, func(match string) string {
		parts := cuePattern.FindStringSubmatch(match)
		if notNames[strings.Fields(parts[2])[0]] {
			return match
		}
		return parts[1] + " " + nameMask
	})
	out = fullNamePattern.ReplaceAllStringFunc(out, func(match string) string {
		fields := strings.Fields(match)
		if notNames[fields[0]] || notNames[fields[1]] {
			return match
		}
		return nameMask
	})
	return out
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}
