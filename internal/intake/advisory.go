package intake

import (
	"encoding/json"
	"strings"
)

// Advisory is the recommendation agent's per-cluster suggestion. The
// agent emits free-form JSON parsed best-effort by the caller, so every
// field is optional and range-checked; fairness_flag in particular is
// advisory only, the scorer recomputes the condition itself.
type Advisory struct {
	PriorityScore     *int   `json:"priority_score"`
	AssignedPlaybook  string `json:"assigned_playbook"`
	ReasonForPriority string `json:"reason_for_priority"`
	FairnessFlag      bool   `json:"fairness_flag"`
}

// ParseAdvisory decodes agent output into a strict Advisory. Unknown
// fields are dropped, out-of-range scores are discarded rather than
// clamped (a nonsense score should not silently become a valid one).
func ParseAdvisory(raw []byte) (Advisory, error) {
	var a Advisory
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(&a); err != nil {
		return Advisory{}, err
	}
	if a.PriorityScore != nil && (*a.PriorityScore < 0 || *a.PriorityScore > 100) {
		a.PriorityScore = nil
	}
	a.AssignedPlaybook = strings.TrimSpace(a.AssignedPlaybook)
	return a, nil
}
