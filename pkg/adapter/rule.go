package adapter

import (
	"strconv"
	"strings"
	"time"

	"github.com/casbin/casbin/v2/model"
)

// maxFields is the number of positional value slots a stored rule can carry.
const maxFields = 6

// casbinRule is the stored form of one policy or grouping rule. Positional
// fields past the rule's length stay absent in the document rather than
// being stored as empty strings, so a marshaled rule doubles as an
// exact-match selector over its present fields.
type casbinRule struct {
	PType     string    `bson:"ptype"`
	V0        string    `bson:"v0,omitempty"`
	V1        string    `bson:"v1,omitempty"`
	V2        string    `bson:"v2,omitempty"`
	V3        string    `bson:"v3,omitempty"`
	V4        string    `bson:"v4,omitempty"`
	V5        string    `bson:"v5,omitempty"`
	CreatedAt time.Time `bson:"createdAt,omitempty"`
	UpdatedAt time.Time `bson:"updatedAt,omitempty"`
}

// newRule builds the bare document for a ptype and its ordered values.
// Values past the sixth slot are dropped. No timestamps are attached;
// callers stamp inserts and updates themselves.
func newRule(ptype string, values []string) casbinRule {
	r := casbinRule{PType: ptype}
	for i, v := range values {
		if i >= maxFields {
			break
		}
		switch i {
		case 0:
			r.V0 = v
		case 1:
			r.V1 = v
		case 2:
			r.V2 = v
		case 3:
			r.V3 = v
		case 4:
			r.V4 = v
		case 5:
			r.V5 = v
		}
	}
	return r
}

// values returns the present positional fields in order, stopping at the
// first absent slot.
func (r casbinRule) values() []string {
	all := []string{r.V0, r.V1, r.V2, r.V3, r.V4, r.V5}
	var out []string
	for _, v := range all {
		if v == "" {
			break
		}
		out = append(out, v)
	}
	return out
}

// policyLine renders the rule in the enforcer's textual line format:
// "ptype, v0, v1, ...".
func (r casbinRule) policyLine() string {
	var b strings.Builder
	b.WriteString(r.PType)
	for _, v := range r.values() {
		b.WriteString(", ")
		b.WriteString(v)
	}
	return b.String()
}

// fieldName returns the bson key of the i-th positional field.
func fieldName(i int) string {
	return "v" + strconv.Itoa(i)
}

// collectRules walks the narrow view of the model this adapter relies on:
// per section, the declared rule types and their current rule lists.
// Policy rules come before grouping rules; every document gets the same
// insertion stamp for createdAt and updatedAt.
func collectRules(m model.Model, now time.Time) []any {
	var docs []any
	for _, sec := range []string{"p", "g"} {
		for ptype, ast := range m[sec] {
			for _, rule := range ast.Policy {
				r := newRule(ptype, rule)
				r.CreatedAt = now
				r.UpdatedAt = now
				docs = append(docs, r)
			}
		}
	}
	return docs
}
