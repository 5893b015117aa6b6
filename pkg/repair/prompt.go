package repair

import (
	"fmt"
	"strings"
)

// Issue is one defect the repaired response must fix.
type Issue struct {
	Field   string
	Message string
}

// GenerateSchemaRepairPrompt creates the corrective follow-up for a response
// that failed schema validation. The oracle is stateless, so the original
// task is repeated ahead of the rejected output and the list of defects.
func GenerateSchemaRepairPrompt(task string, previous string, issues []Issue) string {
	var sb strings.Builder

	sb.WriteString("You were given the following task:\n\n")
	sb.WriteString("---\n")
	sb.WriteString(strings.TrimSpace(task))
	sb.WriteString("\n---\n\n")

	sb.WriteString("Your previous response could not be accepted:\n\n")
	sb.WriteString("---\n")
	sb.WriteString(strings.TrimSpace(previous))
	sb.WriteString("\n---\n\n")

	sb.WriteString("Issues found:\n")
	if len(issues) == 0 {
		sb.WriteString("- the response did not match the required JSON shape\n")
	}
	for _, issue := range issues {
		if issue.Field == "" {
			sb.WriteString(fmt.Sprintf("- %s\n", issue.Message))
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", issue.Field, issue.Message))
	}

	sb.WriteString("\nFix every issue and respond again with a single JSON object in exactly the shape the task requires. ")
	sb.WriteString("Do not add commentary before or after the JSON.")

	return sb.String()
}
