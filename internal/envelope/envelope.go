// Package envelope recognizes structured follow-up results. Job results
// arrive in several historical shapes; Parse maps all of them onto one
// tagged variant so the rest of the chain machinery sees a single form.
package envelope

import "fmt"

type Kind int

const (
	// None means the result carries no chain instructions.
	None Kind = iota
	// FollowUps carries new job specs for the chain.
	FollowUps
	// FinalAnswer terminates the chain.
	FinalAnswer
)

func (k Kind) String() string {
	switch k {
	case FollowUps:
		return "followups"
	case FinalAnswer:
		return "final_answer"
	default:
		return "none"
	}
}

// Spec is the canonical follow-up job description.
type Spec struct {
	Kind   string         `json:"kind"`
	Params map[string]any `json:"params"`
}

// Envelope is the parsed form of a job result.
type Envelope struct {
	Kind    Kind
	ChainID string
	Specs   []Spec
	Answer  any
}

var envelopeActions = map[string]bool{
	"create_followup_jobs": true,
	"analysis_result":      true,
	"final_answer":         true,
}

// Recognized reports whether result looks like a chain-bearing envelope.
func Recognized(result map[string]any) bool {
	if result == nil {
		return false
	}
	if _, ok := result["lcp_version"]; ok {
		return true
	}
	if str(result["type"]) == "lcp" {
		return true
	}
	if envelopeActions[str(result["action"])] {
		return true
	}
	_, hasJobs := result["jobs"]
	_, hasNewJobs := result["new_jobs"]
	return hasJobs || hasNewJobs
}

// Parse classifies result. defaultChainID is used when the result does not
// name its chain.
func Parse(result map[string]any, defaultChainID string) Envelope {
	if !Recognized(result) {
		return Envelope{Kind: None}
	}
	chainID := str(result["chain_id"])
	if chainID == "" {
		if chain, ok := result["chain"].(map[string]any); ok {
			chainID = str(chain["chain_id"])
		}
	}
	if chainID == "" {
		chainID = defaultChainID
	}

	if raw, ok := firstList(result, "jobs", "new_jobs"); ok {
		return Envelope{Kind: FollowUps, ChainID: chainID, Specs: NormalizeSpecs(raw)}
	}
	_, hasAnswer := result["answer"]
	if str(result["type"]) == "final_answer" || str(result["action"]) == "analysis_result" || hasAnswer {
		var answer any = result
		if a, ok := result["answer"]; ok && truthy(a) {
			answer = a
		}
		return Envelope{Kind: FinalAnswer, ChainID: chainID, Answer: answer}
	}
	return Envelope{Kind: None, ChainID: chainID}
}

// NormalizeSpecs is the adapter for legacy follow-up shapes. The kind is
// taken from kind, action or name; params from a params or args object,
// else from the remaining top-level fields. Entries that are not objects
// or have no kind are dropped. A job_name is kept as params.name so the
// template context can address the job.
func NormalizeSpecs(raw []any) []Spec {
	out := make([]Spec, 0, len(raw))
	for _, item := range raw {
		spec, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kind := firstTruthy(spec, "kind", "action", "name")
		if kind == nil {
			continue
		}
		params, ok := firstTruthy(spec, "params", "args").(map[string]any)
		if !ok {
			params = map[string]any{}
			for k, v := range spec {
				switch k {
				case "kind", "action", "name", "job_name", "args", "params":
					continue
				}
				params[k] = v
			}
		}
		if jobName := str(spec["job_name"]); jobName != "" {
			if _, exists := params["name"]; !exists {
				params = withName(params, jobName)
			}
		}
		out = append(out, Spec{Kind: fmt.Sprint(kind), Params: params})
	}
	return out
}

func withName(params map[string]any, name string) map[string]any {
	cp := make(map[string]any, len(params)+1)
	for k, v := range params {
		cp[k] = v
	}
	cp["name"] = name
	return cp
}

func firstList(m map[string]any, keys ...string) ([]any, bool) {
	for _, k := range keys {
		if l, ok := m[k].([]any); ok && len(l) > 0 {
			return l, true
		}
	}
	return nil, false
}

func firstTruthy(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && truthy(v) {
			return v
		}
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
