package orchestrator

import (
	"fmt"
	"strings"

	"github.com/ultrai/ultrai/internal/providers"
)

// labelOutputs renders stage outputs as a numbered, model-attributed block
// for inclusion in peer-review and synthesis prompts. Request order is kept
// so every model sees peers in the same sequence.
func labelOutputs(outputs Outputs, skip providers.ModelID) string {
	var sb strings.Builder
	n := 0
	for _, out := range outputs {
		if out.Model == skip {
			continue
		}
		n++
		fmt.Fprintf(&sb, "Response %d (%s):\n%s\n\n", n, out.Model.Name, out.Envelope.Text())
	}
	return strings.TrimRight(sb.String(), "\n")
}

// peerReviewPrompt builds the stage-2 prompt for one model: its own initial
// answer plus every peer answer, with instructions to critically revise.
func peerReviewPrompt(query string, own providers.ModelID, outputs Outputs) string {
	ownEnv, _ := outputs.Get(own)

	var sb strings.Builder
	sb.WriteString("Critically review the following peer responses to the original query. ")
	sb.WriteString("Do not assume any claim is factual merely because several peers repeat it. ")
	sb.WriteString("Revise your own response, adopting corrections where peers are more credible, ")
	sb.WriteString("and explicitly note remaining disagreements.\n\n")
	fmt.Fprintf(&sb, "Original query: %s\n\n", query)
	fmt.Fprintf(&sb, "Your previous response:\n%s\n\n", ownEnv.Text())
	sb.WriteString("Peer responses:\n\n")
	sb.WriteString(labelOutputs(outputs, own))
	sb.WriteString("\n\nProduce your revised response now.")
	return sb.String()
}

// synthesisPrompt builds the stage-3 prompt for the lead model over the
// reviewed outputs (or the initial outputs when peer review was skipped).
func synthesisPrompt(query string, outputs Outputs) string {
	var sb strings.Builder
	sb.WriteString("You are synthesizing multiple model responses to the user's original query. ")
	sb.WriteString("Produce a single comprehensive answer that integrates the strongest points ")
	sb.WriteString("across all responses, resolves contradictions, and preserves nuance. ")
	sb.WriteString("Do not mention the individual models or the review process.\n\n")
	fmt.Fprintf(&sb, "Original query: %s\n\n", query)
	sb.WriteString("Reviewed responses:\n\n")
	sb.WriteString(labelOutputs(outputs, providers.ModelID{}))
	return sb.String()
}
