package oracle

import (
	"fmt"
	"strings"
)

// chroniclerSystemPrompt is shared by every granularity; the granularity-specific task is
// appended to it.
const chroniclerSystemPrompt = "You are a chronicler documenting a tabletop campaign using only the information provided. " +
	"Write in past tense and third person. Be vivid and specific; focus on what actually happened, not what might happen. " +
	"Avoid generic phrases. Prioritize character-driven consequences and story-critical developments. " +
	"Output only the summary text, without headings, role labels, or commentary."

const locationTask = "Summarize what occurred in the location named below as a single narrative entry for a campaign journal. Capture, as specifically as possible: " +
	"what the party did upon arrival; who they encountered; any combat or challenges and the choices made; " +
	"significant conversations or discoveries; items found or resources spent; interpersonal moments; and how the visit ended."

const chronicleTask = "Write the chronicle entry for the stretch of the adventure that ends with the party leaving the module named below. " +
	"Cover the whole stretch in order, folding in the earlier location summaries provided, so the entry stands on its own as the record of this part of the journey. " +
	"End with the departure and where the party is heading."

const moduleTask = "The chronicles below cover a completed module from start to finish. " +
	"Weave them into one final narrative of the module that keeps every causally important event, in order, without inventing anything."

// SystemPrompt returns the system prompt for a directive.
func SystemPrompt(d Directive) string {
	var task string
	switch d.Granularity {
	case GranularityChronicle:
		task = chronicleTask
	case GranularityModule:
		task = moduleTask
	default:
		task = locationTask
	}
	return chroniclerSystemPrompt + "\n\n" + task
}

// UserPrompt assembles the directive context and the transcript into the user message.
func UserPrompt(d Directive, transcript string) string {
	var b strings.Builder

	switch d.Granularity {
	case GranularityChronicle:
		fmt.Fprintf(&b, "Module: %s\n", d.ModuleID)
		if d.FromModule != "" && d.ToModule != "" {
			fmt.Fprintf(&b, "Transition: %s to %s\n", d.FromModule, d.ToModule)
		}
	case GranularityModule:
		fmt.Fprintf(&b, "Module: %s\n", d.ModuleID)
	default:
		fmt.Fprintf(&b, "Location: %s (module %s)\n", d.LocationID, d.ModuleID)
	}

	if d.ContinuityHint != "" {
		b.WriteString("\nThe previous chronicle ended:\n")
		b.WriteString(d.ContinuityHint)
		b.WriteString("\n")
	}

	if len(d.PriorSummaries) > 0 {
		b.WriteString("\nEarlier in this stretch:\n")
		for _, s := range d.PriorSummaries {
			b.WriteString("- ")
			b.WriteString(strings.TrimSpace(s))
			b.WriteString("\n")
		}
	}

	if transcript != "" {
		b.WriteString("\nEvents:\n\n")
		b.WriteString(transcript)
		b.WriteString("\n")
	}
	return b.String()
}
