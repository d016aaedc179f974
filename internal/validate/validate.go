package validate

import (
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Reason classifies why a prompt was rejected.
type Reason string

const (
	ReasonOK        Reason = "ok"
	ReasonEmpty     Reason = "empty"
	ReasonTooShort  Reason = "too_short"
	ReasonTrivial   Reason = "trivial"
	ReasonGibberish Reason = "gibberish"
	ReasonTooLong   Reason = "too_long"
	ReasonDuplicate Reason = "duplicate"
)

type Result struct {
	OK     bool
	Reason Reason
	Reply  string
}

type Limits struct {
	MinChars int
	MaxChars int
}

var trivialStrings = map[string]struct{}{
	"hi":    {},
	"hello": {},
	"test":  {},
	"ping":  {},
}

var (
	nonLetters   = regexp.MustCompile(`[^a-z]`)
	wordlessText = regexp.MustCompile(`^[^\pL\pN]+$`)
	spaces       = regexp.MustCompile(`\s+`)
)

// Prompt classifies raw input. It is deterministic and performs no I/O:
// recent is the caller-supplied duplicate history, a list of normalized
// prompt hashes the same user submitted inside the duplicate window.
func Prompt(raw string, recent []uint64, limits Limits) Result {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return reject(ReasonEmpty, "Try sending an actual question instead of blank air.")
	}

	minChars := limits.MinChars
	if minChars <= 0 {
		minChars = 5
	}
	if len(cleaned) < minChars {
		return reject(ReasonTooShort, "That barely qualifies as a question. Add some words.")
	}

	lowered := strings.ToLower(cleaned)
	if _, ok := trivialStrings[lowered]; ok {
		return reject(ReasonTrivial, "Wow, groundbreaking. Try a real question.")
	}
	if singleRune(lowered) || wordlessText.MatchString(cleaned) {
		return reject(ReasonTrivial, "Wow, groundbreaking. Try a real question.")
	}

	if looksGibberish(lowered) {
		return reject(ReasonGibberish, "That looks like keyboard smash. Try again.")
	}

	if limits.MaxChars > 0 && len(cleaned) > limits.MaxChars {
		return reject(ReasonTooLong, "Message is too long. Trim it down.")
	}

	h := NormalizedHash(raw)
	for _, r := range recent {
		if r == h {
			return reject(ReasonDuplicate, "You literally just asked that. Wait a bit.")
		}
	}

	return Result{OK: true, Reason: ReasonOK}
}

// NormalizedHash maps a prompt to the value stored in the per-user window so
// duplicate detection survives case and whitespace changes.
func NormalizedHash(raw string) uint64 {
	norm := spaces.ReplaceAllString(strings.ToLower(strings.TrimSpace(raw)), " ")
	return xxhash.Sum64String(norm)
}

func looksGibberish(lowered string) bool {
	letters := nonLetters.ReplaceAllString(lowered, "")
	if letters == "" {
		return false
	}
	unique := map[rune]struct{}{}
	for _, r := range letters {
		unique[r] = struct{}{}
	}
	if len(unique) <= 2 && len(letters) >= 6 {
		return true
	}
	return repeatedGroup(letters)
}

// repeatedGroup reports whether s is a short group of 1 to 3 letters
// repeated three or more times, like "ababab" or "asdasdasd".
func repeatedGroup(s string) bool {
	for period := 1; period <= 3; period++ {
		if len(s) < 3*period || len(s)%period != 0 {
			continue
		}
		if strings.Repeat(s[:period], len(s)/period) == s {
			return true
		}
	}
	return false
}

func singleRune(lowered string) bool {
	var first rune
	for i, r := range lowered {
		if i == 0 {
			first = r
			continue
		}
		if r != first {
			return false
		}
	}
	return first != 0
}

func reject(reason Reason, reply string) Result {
	return Result{OK: false, Reason: reason, Reply: reply}
}
