package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint computes the cache key for a pipeline request: SHA-256 over
// the normalized query, the sorted model names, and an options digest. Two
// requests differing only in whitespace or model order share a fingerprint.
func Fingerprint(req Request) string {
	h := sha256.New()

	h.Write([]byte(normalizeQuery(req.Query)))
	h.Write([]byte{0})

	names := make([]string, len(req.Models))
	for i, m := range req.Models {
		names[i] = m.Provider + "/" + m.Name
	}
	sort.Strings(names)
	h.Write([]byte(strings.Join(names, ",")))
	h.Write([]byte{0})

	h.Write([]byte(optionsDigest(req.Options)))

	return hex.EncodeToString(h.Sum(nil))
}

// normalizeQuery trims and collapses internal whitespace. Case is kept:
// queries are prose, and changing case can change meaning.
func normalizeQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func optionsDigest(o Options) string {
	var sb strings.Builder
	sb.WriteString("peer=")
	sb.WriteString(boolLabel(o.IncludePeerReview, true))
	sb.WriteString(";initial=")
	sb.WriteString(boolLabel(o.IncludeInitialResponses, true))
	if o.LeadModel != "" {
		sb.WriteString(";lead=")
		sb.WriteString(o.LeadModel)
	}
	return sb.String()
}

func boolLabel(p *bool, def bool) string {
	v := def
	if p != nil {
		v = *p
	}
	if v {
		return "1"
	}
	return "0"
}
