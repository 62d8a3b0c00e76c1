package safety

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Policy controls the outbound validation thresholds. The zero value is not
// usable; start from DefaultPolicy and override individual fields.
type Policy struct {
	// MaxLength is the maximum accepted message length in runes.
	MaxLength int
	// MaxRepeatRun rejects any single character repeated this many times or more.
	MaxRepeatRun int
	// ProfanityThreshold is the number of flagged words tolerated before rejection.
	// It is a threshold, not zero-tolerance.
	ProfanityThreshold int
	// BlockLinks rejects messages containing bare URLs when set.
	BlockLinks bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxLength:          2000,
		MaxRepeatRun:       10,
		ProfanityThreshold: 2,
		BlockLinks:         false,
	}
}

// Rejection is a user-correctable policy violation. Reason is safe to show to
// the user verbatim; the rejected text must not be forwarded or cached.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string {
	return r.Reason
}

// AsRejection unwraps err into a *Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	rej, ok := err.(*Rejection)
	return rej, ok
}

type attackSignature struct {
	re     *regexp.Regexp
	reason string
}

var attackSignatures = []attackSignature{
	{regexp.MustCompile(`(?is)<\s*script`), "Your message contains markup that is not allowed."},
	{regexp.MustCompile(`(?is)<\s*/?\s*style`), "Your message contains markup that is not allowed."},
	{regexp.MustCompile(`(?is)<\s*iframe`), "Your message contains markup that is not allowed."},
	{regexp.MustCompile(`(?i)\bon[a-z]+\s*=`), "Your message contains markup that is not allowed."},
	{regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`), "Your message contains a link type that is not allowed."},
	{regexp.MustCompile(`(?i)data\s*:\s*text/html`), "Your message contains a link type that is not allowed."},
	{regexp.MustCompile(`(?i)\bexpression\s*\(`), "Your message contains content that is not allowed."},
	{regexp.MustCompile(`(?i)\beval\s*\(`), "Your message contains content that is not allowed."},
}

var bareURLPattern = regexp.MustCompile(`(?i)\b(https?://|www\.)\S+`)

// profanityWords is deliberately short; the validator counts occurrences and
// only rejects above Policy.ProfanityThreshold.
var profanityWords = map[string]struct{}{
	"shit":    {},
	"fuck":    {},
	"fucking": {},
	"bitch":   {},
	"asshole": {},
	"bastard": {},
	"cunt":    {},
	"dick":    {},
}

// Validator checks text a user wants to send before it reaches the network,
// the chat history or the cache.
type Validator struct {
	policy Policy
}

func NewValidator(policy Policy) *Validator {
	if policy.MaxLength <= 0 {
		policy.MaxLength = DefaultPolicy().MaxLength
	}
	if policy.MaxRepeatRun <= 0 {
		policy.MaxRepeatRun = DefaultPolicy().MaxRepeatRun
	}
	return &Validator{policy: policy}
}

// ValidateOutbound returns nil when raw may be sent, or a *Rejection carrying
// a user-facing reason. A rejection is terminal for that message.
func (v *Validator) ValidateOutbound(raw string) error {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return &Rejection{Reason: "Please enter a message."}
	}
	if utf8.RuneCountInString(trimmed) > v.policy.MaxLength {
		return &Rejection{Reason: "Your message is too long. Please keep it under 2000 characters."}
	}
	for _, sig := range attackSignatures {
		if sig.re.MatchString(trimmed) {
			log.Warn().Str("component", "safety").Str("pattern", sig.re.String()).Msg("outbound text rejected by attack signature")
			return &Rejection{Reason: sig.reason}
		}
	}
	if run := longestRepeatRun(trimmed); run >= v.policy.MaxRepeatRun {
		return &Rejection{Reason: "Your message contains too many repeated characters."}
	}
	if count := countProfanity(trimmed); count > v.policy.ProfanityThreshold {
		return &Rejection{Reason: "Please keep the conversation respectful."}
	}
	if v.policy.BlockLinks && bareURLPattern.MatchString(trimmed) {
		return &Rejection{Reason: "Links are not allowed in messages."}
	}
	return nil
}

// longestRepeatRun returns the length of the longest run of one repeated rune.
// Go's regexp engine has no backreferences, so this is a plain scan.
func longestRepeatRun(s string) int {
	var prev rune
	run, best := 0, 0
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev = r
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

func countProfanity(s string) int {
	count := 0
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:'\"()[]{}")
		if _, ok := profanityWords[w]; ok {
			count++
		}
	}
	return count
}
