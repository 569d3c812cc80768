// Package responder implements the scripted support bot: literal,
// case-insensitive keyword containment over a dynamic keyword table and a
// fixed set of topic buckets.
package responder

import (
	"context"
	"strings"
	"unicode"

	"github.com/capitalize-ai/support-chat/internal/model"
)

// MaxSimpleWords is the longest message the bot will try to answer.
const MaxSimpleWords = 25

// Rule names reported in a Match.
const (
	RuleKeyword = "keyword"
	RuleComplex = "complex"
	RuleMiss    = "miss"
)

// Bucket is a fixed topic matched by literal substring presence.
type Bucket struct {
	Name  string
	Terms []string
	// Reply is the built-in answer. For table-backed buckets it is used only
	// when the keyword table has no entry named after the bucket.
	Reply string
	// Fixed buckets never consult the keyword table.
	Fixed bool
}

// Buckets in priority order. The first matching bucket wins.
var Buckets = []Bucket{
	{
		Name:  "pricing",
		Terms: []string{"price", "cost", "rate"},
		Reply: "Our rental rates depend on the bus size, trip distance and duration. Minibuses start at $95 per hour and full-size coaches at $150 per hour, with a 4-hour minimum. Tell us your date and route and we'll send an exact quote.",
	},
	{
		Name:  "booking",
		Terms: []string{"book", "reserve", "schedule"},
		Reply: "You can book a bus online through our reservation form or by phone. We recommend booking at least two weeks ahead; a 25% deposit confirms the reservation.",
	},
	{
		Name:  "cancellation",
		Terms: []string{"cancel", "refund"},
		Reply: "Cancellations made more than 7 days before the trip receive a full refund. Within 7 days the deposit is non-refundable, and cancellations within 48 hours are charged 50% of the total.",
	},
	{
		Name:  "contact",
		Terms: []string{"contact", "phone", "email", "reach"},
		Reply: "You can reach our customer service team at (555) 123-4567 or support@busrental.example, Monday to Saturday, 8am to 8pm.",
	},
	{
		Name:  "fleet",
		Terms: []string{"bus", "vehicle", "coach", "fleet"},
		Reply: "Our fleet includes 15-seat minibuses, 35-seat midi coaches and 56-seat full-size coaches. All vehicles have air conditioning, reclining seats and luggage space.",
	},
	{
		Name:  "greeting",
		Terms: []string{"hello", "hi", "hey"},
		Reply: "Hello! How can I assist you with our bus rental services today?",
		Fixed: true,
	},
	{
		Name:  "thanks",
		Terms: []string{"thanks", "thank you"},
		Reply: "You're welcome! Is there anything else I can help you with regarding our bus rental services?",
		Fixed: true,
	},
}

// ComplexIndicators are phrases that always route the client to a human.
var ComplexIndicators = []string{
	"how can i", "what is the best", "custom", "special", "specific route",
	"multiple stops", "discount", "negotiate", "compare", "difference between",
	"emergency", "accident", "breakdown", "complaint", "problem", "issue",
	"wheelchair", "accessible", "accommodation", "medical", "assistance",
	"modify", "change my", "reschedule", "group rate",
}

// Match is a bot answer and the rule that produced it.
type Match struct {
	Reply string
	Rule  string
}

// Respond returns the bot reply for body, or false when the bot cannot help
// and the caller should offer a human hand-off. Rules are evaluated in order:
// keyword table (ascending id, first match wins), complexity indicators and
// length, topic buckets. Respond is pure.
func Respond(body string, table []model.KeywordResponse) (Match, bool) {
	text := strings.ToLower(body)

	for _, kw := range table {
		keyword := strings.ToLower(kw.Keyword)
		if keyword != "" && strings.Contains(text, keyword) {
			return Match{Reply: kw.Response, Rule: RuleKeyword}, true
		}
	}

	if IsComplex(text) {
		return Match{Rule: RuleComplex}, false
	}

	for _, b := range Buckets {
		if !containsAny(text, b.Terms) {
			continue
		}
		return Match{Reply: bucketReply(b, table), Rule: b.Name}, true
	}

	return Match{Rule: RuleMiss}, false
}

// IsComplex reports whether text hits a complexity indicator or runs longer
// than MaxSimpleWords words.
func IsComplex(text string) bool {
	text = strings.ToLower(text)
	if containsAny(text, ComplexIndicators) {
		return true
	}
	return WordCount(text) > MaxSimpleWords
}

// WordCount counts runs of letters, apostrophes and hyphens.
func WordCount(text string) int {
	count := 0
	inWord := false
	for _, r := range text {
		if unicode.IsLetter(r) || r == '\'' || r == '-' {
			if !inWord {
				count++
				inWord = true
			}
			continue
		}
		inWord = false
	}
	return count
}

func bucketReply(b Bucket, table []model.KeywordResponse) string {
	if b.Fixed {
		return b.Reply
	}
	for _, kw := range table {
		if strings.EqualFold(kw.Keyword, b.Name) && kw.Response != "" {
			return kw.Response
		}
	}
	return b.Reply
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// KeywordSource provides the dynamic keyword table.
type KeywordSource interface {
	ListKeywordResponses(ctx context.Context) ([]model.KeywordResponse, error)
}

// Responder answers client messages against a live keyword table.
type Responder struct {
	source KeywordSource
}

// New creates a responder backed by source.
func New(source KeywordSource) *Responder {
	return &Responder{source: source}
}

// Reply loads the keyword table and runs Respond. When the table cannot be
// loaded the built-in rules still run and the load error is returned
// alongside the result.
func (r *Responder) Reply(ctx context.Context, body string) (Match, bool, error) {
	var (
		table []model.KeywordResponse
		err   error
	)
	if r.source != nil {
		table, err = r.source.ListKeywordResponses(ctx)
	}
	match, ok := Respond(body, table)
	return match, ok, err
}
