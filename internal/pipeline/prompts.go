package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

const patternInstruction = `You are a food safety epidemiologist reviewing recent foodborne illness reports.
Analyze the incident records for patterns. Focus on symptom clusters, geographic patterns,
temporal patterns and commonly implicated food items. Base every count and rate on the
records provided and summarize the overall picture in one paragraph.`

func riskInstruction(validIDs []int64) string {
	return fmt.Sprintf(`You are a food safety risk assessor.
Evaluate food safety risks based on the pattern analysis. Consider symptom severity,
geographic spread, the rate of new cases and the population affected.
Justify each risk area and give an overall risk level.

Affected establishments must be referenced by ID. Known establishment IDs: %s`, formatIDs(validIDs))
}

func alertInstruction(validIDs []int64) string {
	return fmt.Sprintf(`You are a public health officer deciding which food safety alerts to raise.
Generate alerts based on the risk assessment.

IMPORTANT: you must ONLY use establishment IDs from this list of valid IDs: %s
An alert for any other ID will be discarded.

Each alert must have:
- establishment_id: one of the valid IDs above
- alert_type: outbreak, inspection or violation
- severity: low, medium, high or critical
- case_count: number of cases involved (0 or more)
- details: what was found and what should be checked

Return an empty alerts list when no alert is warranted.`, formatIDs(validIDs))
}

func formatIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[] (none)"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
